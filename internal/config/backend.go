package config

// Settings is the persisted layer that sits between the built-in defaults
// and environment overrides. Values travel in their string form and are
// parsed against the key table, so a backend never needs to know types.
// On macOS it is the user defaults domain, elsewhere a JSON file under
// XDG_CONFIG_HOME.
type Settings interface {
	Lookup(key string) (value string, ok bool, err error)
	Store(key, value string) error
	Remove(key string) error
}
