package protocol

// Acknowledgement bytes returned by the device for the first byte of every
// command.
const (
	// AckReady means the device accepted the opcode and will clock out the
	// response.
	AckReady = 0xF3

	// AckBusy means the device is still processing a previous command and
	// discarded this one.
	AckBusy = 0x31
)

// Opcodes for OPC-N2 firmware 16 to 18.
const (
	OpPower         = 0x03
	OpReadHistogram = 0x30
	OpReadPM        = 0x32
	OpWriteConfig   = 0x3A
	OpReadConfig    = 0x3C
	OpReadFirmware  = 0x3F
	OpSetPeripheral = 0x42
	OpCheckStatus   = 0xCF
)

// Option bytes that follow OpPower.
const (
	PowerAllOn    = 0x00
	PowerAllOff   = 0x01
	PowerLaserOn  = 0x02
	PowerLaserOff = 0x03
	PowerFanOn    = 0x04
	PowerFanOff   = 0x05
)

// Peripheral selectors that follow OpSetPeripheral.
const (
	PeripheralFan   = 0x00
	PeripheralLaser = 0x01
)

// Response sizes in bytes, excluding the acknowledgement byte.
const (
	HistogramSize = 62
	PMSize        = 12
	ConfigSize    = 256
	FirmwareSize  = 60
)

// BinCount is the number of particle size bins reported by the OPC-N2.
const BinCount = 16

// MToFCount is the number of bins with a time-of-flight statistic (bins 1, 3,
// 5 and 7).
const MToFCount = 4

// configReservedSize is the tail of the configuration block that the host
// does not interpret but must write back unchanged.
const configReservedSize = 21

// pressureThreshold separates the two meanings of the shared
// temperature/pressure word: values above it are pressure in pascal,
// values at or below it are tenths of a degree Celsius.
const pressureThreshold = 2000
