package protocol

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// Command enumerates every operation the host can issue.
type Command int

const (
	CmdPowerOn Command = iota
	CmdPowerOff
	CmdFanOn
	CmdFanOff
	CmdLaserOn
	CmdLaserOff
	CmdReadHistogram
	CmdReadPM
	CmdReadConfig
	CmdWriteConfig
	CmdReadFirmware
	CmdSetFanPower
	CmdSetLaserPower
)

var commandNames = map[Command]string{
	CmdPowerOn:       "power_on",
	CmdPowerOff:      "power_off",
	CmdFanOn:         "fan_on",
	CmdFanOff:        "fan_off",
	CmdLaserOn:       "laser_on",
	CmdLaserOff:      "laser_off",
	CmdReadHistogram: "read_histogram",
	CmdReadPM:        "read_pm",
	CmdReadConfig:    "read_config",
	CmdWriteConfig:   "write_config",
	CmdReadFirmware:  "read_firmware",
	CmdSetFanPower:   "set_fan_power",
	CmdSetLaserPower: "set_laser_power",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// CommandKind says how a command relates to the device state machine.
type CommandKind int

const (
	// StateChanging commands move the device between power states.
	StateChanging CommandKind = iota
	// Query commands only read from the device.
	Query
	// Mutation commands change device settings without changing power state.
	Mutation
)

func (k CommandKind) String() string {
	switch k {
	case StateChanging:
		return "state-changing"
	case Query:
		return "query"
	case Mutation:
		return "mutation"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// PayloadSpec describes the bytes that follow the opcode.
type PayloadSpec struct {
	// Prefix is written verbatim after the opcode.
	Prefix []byte
	// ArgLen is the number of caller-supplied bytes after Prefix.
	ArgLen int
	// PadTo zero-pads the payload to this length when larger than
	// len(Prefix)+ArgLen.
	PadTo int
}

// Len returns the payload length on the wire.
func (p PayloadSpec) Len() int {
	n := len(p.Prefix) + p.ArgLen
	if p.PadTo > n {
		return p.PadTo
	}
	return n
}

// CommandSpec is one row of the command table.
type CommandSpec struct {
	Command Command
	Opcode  byte
	Payload PayloadSpec
	// Response is nil for commands answered by the acknowledgement byte only.
	Response        *Layout
	CommandChecksum ChecksumAlgorithm
	Kind            CommandKind
}

// ResponseLen returns the number of response bytes that follow the
// acknowledgement.
func (s CommandSpec) ResponseLen() int {
	if s.Response == nil {
		return 0
	}
	return s.Response.Size
}

// FrameLen returns the number of bytes written for the command.
func (s CommandSpec) FrameLen() int {
	n := 1 + s.Payload.Len()
	if s.CommandChecksum == ChecksumSum8 {
		n++
	}
	return n
}

// RevisionOPCN2 is the command table for OPC-N2 firmware 16, 17 and 18.
const RevisionOPCN2 = "opc-n2/fw16-18"

// CommandSet is a versioned command table. It is immutable; the With*
// methods return modified copies.
type CommandSet struct {
	Revision string
	specs    map[Command]CommandSpec
}

// Spec returns the table row for cmd.
func (s *CommandSet) Spec(cmd Command) (CommandSpec, error) {
	spec, ok := s.specs[cmd]
	if !ok {
		return CommandSpec{}, fmt.Errorf("%w: %s in revision %s", ErrUnknownCommand, cmd, s.Revision)
	}
	return spec, nil
}

// Commands returns every command in the table in declaration order.
func (s *CommandSet) Commands() []Command {
	cmds := make([]Command, 0, len(s.specs))
	for cmd := range s.specs {
		cmds = append(cmds, cmd)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i] < cmds[j] })
	return cmds
}

func (s *CommandSet) clone(suffix string) *CommandSet {
	out := &CommandSet{Revision: s.Revision + suffix, specs: make(map[Command]CommandSpec, len(s.specs))}
	for k, v := range s.specs {
		out.specs[k] = v
	}
	return out
}

// WithCommandChecksum returns a copy of the set in which the given commands
// (all commands when none are given) carry a command checksum.
func (s *CommandSet) WithCommandChecksum(alg ChecksumAlgorithm, cmds ...Command) (*CommandSet, error) {
	if alg != ChecksumNone && alg != ChecksumSum8 {
		return nil, fmt.Errorf("command checksum %s is not supported", alg)
	}
	if len(cmds) == 0 {
		cmds = s.Commands()
	}
	out := s.clone("+cmd-" + alg.String())
	for _, cmd := range cmds {
		spec, err := out.Spec(cmd)
		if err != nil {
			return nil, err
		}
		spec.CommandChecksum = alg
		out.specs[cmd] = spec
	}
	return out, nil
}

// WithResponseChecksum returns a copy of the set in which the response to
// cmd carries an additional trailing checksum byte.
func (s *CommandSet) WithResponseChecksum(cmd Command, alg ChecksumAlgorithm) (*CommandSet, error) {
	if alg != ChecksumSum8 {
		return nil, fmt.Errorf("response trailer checksum %s is not supported", alg)
	}
	spec, err := s.Spec(cmd)
	if err != nil {
		return nil, err
	}
	if spec.Response == nil {
		return nil, fmt.Errorf("%s has no response to checksum", cmd)
	}
	out := s.clone("+" + cmd.String() + "-" + alg.String())
	spec.Response = spec.Response.withTrailingChecksum(alg)
	out.specs[cmd] = spec
	return out, out.Validate()
}

// Validate checks every response layout and that no two commands share the
// same opcode and prefix.
func (s *CommandSet) Validate() error {
	type key struct {
		op     byte
		prefix string
	}
	seen := make(map[key]Command, len(s.specs))
	for _, cmd := range s.Commands() {
		spec := s.specs[cmd]
		if spec.Command != cmd {
			return fmt.Errorf("revision %s: row for %s declares %s", s.Revision, cmd, spec.Command)
		}
		if spec.Response != nil {
			if err := spec.Response.Validate(); err != nil {
				return fmt.Errorf("revision %s: %s: %w", s.Revision, cmd, err)
			}
		}
		k := key{spec.Opcode, string(spec.Payload.Prefix)}
		if other, dup := seen[k]; dup {
			return fmt.Errorf("revision %s: %s and %s share opcode 0x%02X", s.Revision, other, cmd, spec.Opcode)
		}
		seen[k] = cmd
	}
	return nil
}

func newOPCN2CommandSet() *CommandSet {
	power := func(cmd Command, option byte) CommandSpec {
		return CommandSpec{
			Command: cmd,
			Opcode:  OpPower,
			Payload: PayloadSpec{Prefix: []byte{option}},
			Kind:    StateChanging,
		}
	}
	rows := []CommandSpec{
		{Command: CmdPowerOn, Opcode: OpCheckStatus, Kind: StateChanging},
		power(CmdPowerOff, PowerAllOff),
		power(CmdFanOn, PowerFanOn),
		power(CmdFanOff, PowerFanOff),
		power(CmdLaserOn, PowerLaserOn),
		power(CmdLaserOff, PowerLaserOff),
		{Command: CmdReadHistogram, Opcode: OpReadHistogram, Response: histogramLayout, Kind: Query},
		{Command: CmdReadPM, Opcode: OpReadPM, Response: pmLayout, Kind: Query},
		{Command: CmdReadConfig, Opcode: OpReadConfig, Response: configLayout, Kind: Query},
		{Command: CmdWriteConfig, Opcode: OpWriteConfig, Payload: PayloadSpec{ArgLen: ConfigSize}, Kind: Mutation},
		{Command: CmdReadFirmware, Opcode: OpReadFirmware, Response: firmwareLayout, Kind: Query},
		{Command: CmdSetFanPower, Opcode: OpSetPeripheral, Payload: PayloadSpec{Prefix: []byte{PeripheralFan}, ArgLen: 1}, Kind: Mutation},
		{Command: CmdSetLaserPower, Opcode: OpSetPeripheral, Payload: PayloadSpec{Prefix: []byte{PeripheralLaser}, ArgLen: 1}, Kind: Mutation},
	}
	set := &CommandSet{Revision: RevisionOPCN2, specs: make(map[Command]CommandSpec, len(rows))}
	for _, row := range rows {
		set.specs[row.Command] = row
	}
	return set
}

var revisions = map[string]func() *CommandSet{
	RevisionOPCN2: newOPCN2CommandSet,
}

var firmwareRevisions = []struct {
	pattern  *regexp.Regexp
	revision string
}{
	{regexp.MustCompile(`OPC-N2 FirmwareVer=OPC.*(16|17|18).*BD`), RevisionOPCN2},
}

// Revisions lists the names accepted by LookupRevision.
func Revisions() []string {
	names := make([]string, 0, len(revisions))
	for name := range revisions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LookupRevision returns a fresh command set for the named revision.
func LookupRevision(name string) (*CommandSet, error) {
	build, ok := revisions[name]
	if !ok {
		return nil, fmt.Errorf("unknown command set revision %q (known: %v)", name, Revisions())
	}
	return build(), nil
}

// DefaultCommandSet returns the OPC-N2 firmware 16-18 table.
func DefaultCommandSet() *CommandSet {
	return newOPCN2CommandSet()
}

// SelectRevision picks the command set matching a firmware identification
// string as returned by CmdReadFirmware.
func SelectRevision(firmware string) (*CommandSet, error) {
	for _, fr := range firmwareRevisions {
		if fr.pattern.MatchString(firmware) {
			return LookupRevision(fr.revision)
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFirmware, firmware)
}

// SupportsFirmware reports whether firmware matches this set's base revision.
func (s *CommandSet) SupportsFirmware(firmware string) bool {
	for _, fr := range firmwareRevisions {
		if fr.pattern.MatchString(firmware) && strings.HasPrefix(s.Revision, fr.revision) {
			return true
		}
	}
	return false
}

func init() {
	for name, build := range revisions {
		if err := build().Validate(); err != nil {
			panic(fmt.Sprintf("command set %s: %v", name, err))
		}
	}
}
