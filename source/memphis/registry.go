package memphis

import "fmt"

// Factory builds an Adapter.
type Factory func() Adapter

var registry = map[string]Factory{}

// Register is called from a driver's init() or from main.
func Register(name string, f Factory) {
	registry[name] = f
}

// NewAdapter returns a driver by name.
func NewAdapter(name string) (Adapter, error) {
	if f, ok := registry[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("memphis: unsupported driver %q", name)
}

func init() {
	Register("memphis", func() Adapter { return NewDriver() })
}
