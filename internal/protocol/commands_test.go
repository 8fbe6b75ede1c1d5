package protocol

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandSet_ResponseLengths(t *testing.T) {
	set := DefaultCommandSet()
	want := map[Command]int{
		CmdReadHistogram: HistogramSize,
		CmdReadPM:        PMSize,
		CmdReadConfig:    ConfigSize,
		CmdReadFirmware:  FirmwareSize,
		CmdFanOn:         0,
		CmdWriteConfig:   0,
	}
	for cmd, n := range want {
		spec, err := set.Spec(cmd)
		require.NoError(t, err, cmd)
		assert.Equal(t, n, spec.ResponseLen(), cmd)
	}

	spec, err := set.Spec(CmdWriteConfig)
	require.NoError(t, err)
	assert.Equal(t, 1+ConfigSize, spec.FrameLen())
	assert.Equal(t, Mutation, spec.Kind)
}

func TestCommandSet_CommandsSorted(t *testing.T) {
	cmds := DefaultCommandSet().Commands()
	require.Len(t, cmds, 13)
	assert.Equal(t, CmdPowerOn, cmds[0])
	assert.Equal(t, CmdSetLaserPower, cmds[len(cmds)-1])
}

func TestCommandSet_UnknownCommand(t *testing.T) {
	_, err := DefaultCommandSet().Spec(Command(99))
	require.ErrorIs(t, err, ErrUnknownCommand)
	assert.Contains(t, err.Error(), "Command(99)")

	_, err = NewCodec(nil).Encode(Command(99), nil)
	assert.True(t, errors.Is(err, ErrUnknownCommand))
}

func TestCommandSet_WithChecksumIsACopy(t *testing.T) {
	base := DefaultCommandSet()
	withSum, err := base.WithCommandChecksum(ChecksumSum8)
	require.NoError(t, err)

	for _, cmd := range base.Commands() {
		a, _ := base.Spec(cmd)
		b, _ := withSum.Spec(cmd)
		assert.Equal(t, ChecksumNone, a.CommandChecksum, cmd)
		assert.Equal(t, ChecksumSum8, b.CommandChecksum, cmd)
	}
	assert.NotEqual(t, base.Revision, withSum.Revision)

	_, err = base.WithCommandChecksum(ChecksumBinSum16)
	assert.Error(t, err)
	_, err = base.WithResponseChecksum(CmdFanOn, ChecksumSum8)
	assert.Error(t, err)
}

func TestCommandSet_ValidateRejectsDuplicateOpcode(t *testing.T) {
	set := DefaultCommandSet().clone("")
	spec := set.specs[CmdFanOn]
	spec.Payload.Prefix = []byte{PowerFanOff}
	set.specs[CmdFanOn] = spec
	assert.Error(t, set.Validate())
}

func TestSelectRevision(t *testing.T) {
	for _, fw := range []string{
		"OPC-N2 FirmwareVer=OPC-018.2....BD",
		"OPC-N2 FirmwareVer=OPC-016.1..........BD",
		"OPC-N2 FirmwareVer=OPC-017 BD",
	} {
		set, err := SelectRevision(fw)
		require.NoError(t, err, fw)
		assert.Equal(t, RevisionOPCN2, set.Revision)
		assert.True(t, DefaultCommandSet().SupportsFirmware(fw))
	}

	_, err := SelectRevision("OPC-N3 FirmwareVer=OPC-N3-020 BD")
	assert.ErrorIs(t, err, ErrUnsupportedFirmware)
	assert.False(t, DefaultCommandSet().SupportsFirmware("garbage"))

	_, err = LookupRevision("opc-r1")
	assert.Error(t, err)
	assert.Equal(t, []string{RevisionOPCN2}, Revisions())
}

func TestLayout_Validate(t *testing.T) {
	for _, l := range []*Layout{histogramLayout, pmLayout, configLayout, firmwareLayout} {
		assert.NoError(t, l.Validate(), l.Name)
	}

	tests := []struct {
		name string
		l    Layout
	}{
		{"gap", Layout{Name: "x", Size: 4, Fields: []Field{
			{Name: "a", Kind: FieldUint8, Count: 1, Offset: 0},
			{Name: "b", Kind: FieldUint16, Count: 1, Offset: 2},
		}}},
		{"short", Layout{Name: "x", Size: 4, Fields: []Field{
			{Name: "a", Kind: FieldUint16, Count: 1, Offset: 0},
		}}},
		{"duplicate", Layout{Name: "x", Size: 2, Fields: []Field{
			{Name: "a", Kind: FieldUint8, Count: 1, Offset: 0},
			{Name: "a", Kind: FieldUint8, Count: 1, Offset: 1},
		}}},
		{"sum8 on uint16", Layout{Name: "x", Size: 2,
			Fields:    []Field{{Name: "c", Kind: FieldUint16, Count: 1, Offset: 0}},
			Checksums: []ChecksumSpec{{Algorithm: ChecksumSum8, Field: "c"}},
		}},
		{"missing checksum field", Layout{Name: "x", Size: 1,
			Fields:    []Field{{Name: "c", Kind: FieldUint8, Count: 1, Offset: 0}},
			Checksums: []ChecksumSpec{{Algorithm: ChecksumSum8, Field: "d"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.l.Validate())
		})
	}
}

func TestLayout_BigEndian(t *testing.T) {
	l := &Layout{Name: "be", Size: 6, Order: binary.BigEndian, Fields: []Field{
		{Name: "n", Kind: FieldUint16, Count: 1, Offset: 0},
		{Name: "w", Kind: FieldUint32, Count: 1, Offset: 2},
	}}
	require.NoError(t, l.Validate())

	rec, err := Unpack(l, []byte{0x01, 0x02, 0x00, 0x00, 0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0102}, rec.Uint16s("n"))
	assert.Equal(t, uint32(0x100), rec.Uint32("w"))

	raw, err := Pack(l, rec)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x00, 0x00, 0x01, 0x00}, raw)
}

func TestPack_Errors(t *testing.T) {
	_, err := Pack(pmLayout, Record{"pm1": Float32sValue(1)})
	assert.Error(t, err)

	_, err = Pack(pmLayout, Record{
		"pm1":   Uint8sValue(1),
		"pm2_5": Float32sValue(1),
		"pm10":  Float32sValue(1),
	})
	assert.Error(t, err)
}

func TestChecksumHelpers(t *testing.T) {
	assert.Equal(t, byte(0x00), Sum8(nil))
	assert.Equal(t, byte(0x01), Sum8([]byte{0xFF, 0x02}))
	assert.Equal(t, uint16(0x0001), BinSum16([]uint16{0xFFFF, 0x0002}))

	for _, alg := range []ChecksumAlgorithm{ChecksumNone, ChecksumSum8, ChecksumBinSum16} {
		got, err := ParseChecksumAlgorithm(alg.String())
		require.NoError(t, err)
		assert.Equal(t, alg, got)
	}
	_, err := ParseChecksumAlgorithm("crc32")
	assert.Error(t, err)
}
