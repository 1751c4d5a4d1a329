package kernelhelper

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ZeduloTech/hardwarePrefetching/internal/msr"
)

func TestDecodeU64s_Empty(t *testing.T) {
	assert.Empty(t, decodeU64s(nil))
}

func TestDecodeU64s_DecodesLittleEndianVector(t *testing.T) {
	// two u64s: 1 and 0x0102030405060708
	b := []byte{
		1, 0, 0, 0, 0, 0, 0, 0,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
	}
	got := decodeU64s(b)
	assert.Equal(t, []uint64{1, 0x0102030405060708}, got)
}

func TestRegisterIndex_KnownProgrammableRegister(t *testing.T) {
	idx, ok := registerIndex(msr.RegPerfEvtSel3)
	assert.True(t, ok)
	assert.Equal(t, 3, idx)
}

func TestRegisterIndex_FixedCountersFollowProgrammable(t *testing.T) {
	idx0, ok0 := registerIndex(msr.RegFixedCtr0)
	idx1, ok1 := registerIndex(msr.RegFixedCtr1)
	assert.True(t, ok0)
	assert.True(t, ok1)
	assert.Equal(t, 7, idx0)
	assert.Equal(t, 8, idx1)
}

func TestRegisterIndex_UnknownRegister(t *testing.T) {
	_, ok := registerIndex(0xDEADBEEF)
	assert.False(t, ok)
}

func TestAccessor_Write_RejectsNonPrefetchControlRegister(t *testing.T) {
	a := &Accessor{}
	err := a.Write(0, msr.RegPerfEvtSel0, 1)
	assert.Error(t, err)
}

func TestAccessor_Read_UnknownRegisterErrors(t *testing.T) {
	a := &Accessor{}
	_, err := a.Read(0, 0xDEADBEEF)
	assert.Error(t, err)
}
