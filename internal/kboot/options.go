package kboot

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tinyrange/kboot/internal/bootfail"
	"github.com/tinyrange/kboot/internal/kboot/tags"
)

// Value is the value of a kernel option.
type Value struct {
	Type    tags.OptionType
	Bool    bool
	String  string
	Integer uint64
}

func BoolValue(v bool) Value      { return Value{Type: tags.OptionBoolean, Bool: v} }
func StringValue(v string) Value  { return Value{Type: tags.OptionString, String: v} }
func IntegerValue(v uint64) Value { return Value{Type: tags.OptionInteger, Integer: v} }

// encode returns the value as it appears in an OPTION tag.
func (v Value) encode() []byte {
	switch v.Type {
	case tags.OptionBoolean:
		if v.Bool {
			return []byte{1}
		}
		return []byte{0}
	case tags.OptionInteger:
		return binary.LittleEndian.AppendUint64(nil, v.Integer)
	default:
		return append([]byte(v.String), 0)
	}
}

func (v Value) Format() string {
	switch v.Type {
	case tags.OptionBoolean:
		return fmt.Sprintf("%t", v.Bool)
	case tags.OptionInteger:
		return fmt.Sprintf("%d", v.Integer)
	default:
		return fmt.Sprintf("%q", v.String)
	}
}

// Env holds option values by name.
type Env map[string]Value

// Names returns the option names in sorted order.
func (e Env) Names() []string {
	names := make([]string, 0, len(e))
	for name := range e {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// addOptions fills in defaults for options the kernel declares. A value that
// is already set must have the declared type.
func addOptions(env Env, opts []OptionTag) error {
	for _, opt := range opts {
		if exist, ok := env[opt.Name]; ok {
			if exist.Type != opt.Default.Type {
				return bootfail.Validation("invalid value type set for option '%s' (%s, want %s)",
					opt.Name, exist.Type, opt.Default.Type)
			}
			continue
		}
		env[opt.Name] = opt.Default
	}
	return nil
}

// addOptionTags passes every declared option to the kernel.
func (l *Loader) addOptionTags() {
	for _, opt := range l.itags.Options {
		v := l.env[opt.Name]
		l.tags.AddOption(tags.Option{Type: v.Type, Name: opt.Name, Value: v.encode()})
	}
}
