package controller

import (
	"log/slog"

	"github.com/casbin/govaluate"
)

// RewardType selects the bandit's reward shaping (§4.6 step 3).
type RewardType int

const (
	RewardIPC RewardType = iota
	RewardIPCOverBandwidth
	RewardSDPenalized
)

// rewardExpressions binds each RewardType to a govaluate expression string
// over the tick's observed variables, so adding a new reward shape is a
// one-line table edit rather than new Go code, mirroring how this
// codebase's metrics loader treats every derived metric as an evaluable
// expression over named variables.
var rewardExpressions = map[RewardType]string{
	RewardIPC:              "ipc_mean",
	RewardIPCOverBandwidth: "ipc_mean / max(bw, 1)",
	RewardSDPenalized:      "ipc_mean - k * sigma",
}

func evaluatorFunctions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"max": func(args ...interface{}) (interface{}, error) {
			a := args[0].(float64)
			b := args[1].(float64)
			if a > b {
				return a, nil
			}
			return b, nil
		},
	}
}

// compiledRewardExprs parses every reward expression once at controller
// construction, mirroring the metrics loader's "parse once, store
// Evaluable" pattern.
type compiledRewardExprs map[RewardType]*govaluate.EvaluableExpression

func compileRewardExpressions() compiledRewardExprs {
	funcs := evaluatorFunctions()
	compiled := make(compiledRewardExprs, len(rewardExpressions))
	for t, expr := range rewardExpressions {
		e, err := govaluate.NewEvaluableExpressionWithFunctions(expr, funcs)
		if err != nil {
			// reward expressions are compile-time constants; a parse
			// failure here is a programming error, not a runtime one.
			slog.Error("invalid reward expression", slog.String("expression", expr), slog.String("error", err.Error()))
			continue
		}
		compiled[t] = e
	}
	return compiled
}

// evaluate runs the reward expression for rt against the tick's observed
// variables. If the window hasn't filled yet, SD_PENALIZED falls back to
// plain IPC per §4.6 step 3.
func (c compiledRewardExprs) evaluate(rt RewardType, ipcMean, bw, sigma, k float64, sdWindowFull bool) float64 {
	effective := rt
	if rt == RewardSDPenalized && !sdWindowFull {
		effective = RewardIPC
	}
	expr, ok := c[effective]
	if !ok {
		return ipcMean
	}
	result, err := expr.Evaluate(map[string]interface{}{
		"ipc_mean": ipcMean,
		"bw":       bw,
		"sigma":    sigma,
		"k":        k,
	})
	if err != nil {
		slog.Warn("reward expression evaluation failed, falling back to ipc_mean", slog.String("error", err.Error()))
		return ipcMean
	}
	v, ok := result.(float64)
	if !ok {
		return ipcMean
	}
	return v
}
