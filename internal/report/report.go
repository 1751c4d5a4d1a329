// Package report is the optional tick-history exporter (§2.11): it
// accumulates one row per tick in memory and, on shutdown, renders the
// accumulated history to CSV, JSON, or XLSX — grounded on this
// codebase's own report package's format-switch Create() entry point
// and its excelize-backed XLSX renderer.
package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"
)

const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatXlsx = "xlsx"
)

// Row is one tick's recorded history: aggregate bandwidth, and per
// module the MSR value applied and, for MAB runs, the reward credited to
// the previously-applied arm.
type Row struct {
	Tick         uint64
	BandwidthMBs uint32
	Modules      []ModuleRow
}

// ModuleRow is one module's decision for a tick.
type ModuleRow struct {
	ModuleID uint32
	MSRValue uint64
	Level    int // HEUR ladder level, -1 when not applicable
	ArmIndex int // MAB arm index, -1 when not applicable
	Reward   float64
}

// History accumulates Rows across the run; the coordinator appends one
// Row per tick and calls Create once at shutdown.
type History struct {
	Rows []Row
}

// Append records one tick's row. History places no limit on its length,
// matching this codebase's own report package, and the coordinator appends
// one row every tick without trimming, so the history grows for the
// length of the run.
func (h *History) Append(r Row) {
	h.Rows = append(h.Rows, r)
}

// Create renders the accumulated history in the requested format. Panics
// on an unsupported format, mirroring this codebase's own report.Create.
func Create(format string, h *History) ([]byte, error) {
	switch format {
	case FormatCSV:
		return createCSV(h)
	case FormatJSON:
		return createJSON(h)
	case FormatXlsx:
		return createXlsx(h)
	default:
		panic(fmt.Sprintf("report: unsupported format %q", format))
	}
}

func createCSV(h *History) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"tick", "bandwidth_mb_s", "module_id", "msr_value", "ladder_level", "arm_index", "reward"}); err != nil {
		return nil, err
	}
	for _, row := range h.Rows {
		for _, m := range row.Modules {
			record := []string{
				strconv.FormatUint(row.Tick, 10),
				strconv.FormatUint(uint64(row.BandwidthMBs), 10),
				strconv.FormatUint(uint64(m.ModuleID), 10),
				fmt.Sprintf("0x%x", m.MSRValue),
				strconv.Itoa(m.Level),
				strconv.Itoa(m.ArmIndex),
				strconv.FormatFloat(m.Reward, 'f', 6, 64),
			}
			if err := w.Write(record); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func createJSON(h *History) ([]byte, error) {
	return json.MarshalIndent(h.Rows, "", "  ")
}

func createXlsx(h *History) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "TickHistory"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	headers := []string{"tick", "bandwidth_mb_s", "module_id", "msr_value", "ladder_level", "arm_index", "reward"}
	for col, name := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(sheet, cell, name)
		_ = f.SetCellStyle(sheet, cell, cell, headerStyle)
	}

	row := 2
	for _, r := range h.Rows {
		for _, m := range r.Modules {
			values := []interface{}{r.Tick, r.BandwidthMBs, m.ModuleID, fmt.Sprintf("0x%x", m.MSRValue), m.Level, m.ArmIndex, m.Reward}
			for col, v := range values {
				cell, _ := excelize.CoordinatesToCellName(col+1, row)
				_ = f.SetCellValue(sheet, cell, v)
			}
			row++
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
