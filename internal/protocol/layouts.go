package protocol

import "encoding/binary"

// Response layouts for OPC-N2 firmware 16 to 18. All multi-byte fields are
// little-endian.

var histogramLayout = &Layout{
	Name:  "histogram",
	Size:  HistogramSize,
	Order: binary.LittleEndian,
	Fields: []Field{
		{Name: "bins", Kind: FieldUint16, Count: BinCount, Offset: 0},
		{Name: "mtof", Kind: FieldUint8, Count: MToFCount, Offset: 32},
		{Name: "sample_flow_rate", Kind: FieldFloat32, Count: 1, Offset: 36},
		{Name: "temperature_pressure", Kind: FieldUint32, Count: 1, Offset: 40},
		{Name: "sampling_period", Kind: FieldFloat32, Count: 1, Offset: 44},
		{Name: "checksum", Kind: FieldUint16, Count: 1, Offset: 48},
		{Name: "pm1", Kind: FieldFloat32, Count: 1, Offset: 50},
		{Name: "pm2_5", Kind: FieldFloat32, Count: 1, Offset: 54},
		{Name: "pm10", Kind: FieldFloat32, Count: 1, Offset: 58},
	},
	Checksums: []ChecksumSpec{
		{Algorithm: ChecksumBinSum16, Field: "checksum", Covers: []string{"bins"}},
	},
}

var pmLayout = &Layout{
	Name:  "pm",
	Size:  PMSize,
	Order: binary.LittleEndian,
	Fields: []Field{
		{Name: "pm1", Kind: FieldFloat32, Count: 1, Offset: 0},
		{Name: "pm2_5", Kind: FieldFloat32, Count: 1, Offset: 4},
		{Name: "pm10", Kind: FieldFloat32, Count: 1, Offset: 8},
	},
}

var configLayout = &Layout{
	Name:  "config",
	Size:  ConfigSize,
	Order: binary.LittleEndian,
	Fields: []Field{
		{Name: "bin_boundaries", Kind: FieldUint16, Count: BinCount, Offset: 0},
		{Name: "bin_particle_volume", Kind: FieldFloat32, Count: BinCount, Offset: 32},
		{Name: "bin_particle_density", Kind: FieldFloat32, Count: BinCount, Offset: 96},
		{Name: "bin_sample_volume_weighting", Kind: FieldFloat32, Count: BinCount, Offset: 160},
		{Name: "gain_scaling_coefficient", Kind: FieldFloat32, Count: 1, Offset: 224},
		{Name: "sample_flow_rate", Kind: FieldFloat32, Count: 1, Offset: 228},
		{Name: "laser_dac", Kind: FieldUint8, Count: 1, Offset: 232},
		{Name: "fan_dac", Kind: FieldUint8, Count: 1, Offset: 233},
		{Name: "tof_to_sfr_factor", Kind: FieldUint8, Count: 1, Offset: 234},
		{Name: "reserved", Kind: FieldBytes, Count: configReservedSize, Offset: 235},
	},
}

var firmwareLayout = &Layout{
	Name:  "firmware",
	Size:  FirmwareSize,
	Order: binary.LittleEndian,
	Fields: []Field{
		{Name: "text", Kind: FieldBytes, Count: FirmwareSize, Offset: 0},
	},
}

func init() {
	for _, l := range []*Layout{histogramLayout, pmLayout, configLayout, firmwareLayout} {
		if err := l.Validate(); err != nil {
			panic(err)
		}
	}
}
