package pluginapi

// Settings is an opaque per-plugin configuration snapshot. The host builds
// it from the plugin's local settings file plus an optional
// environment-suffixed override; plugins read it inside ConfigureServices.
type Settings map[string]any

// String returns the value for key if present and a string.
func (s Settings) String(key string) (string, bool) {
	v, ok := s[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Int returns the value for key if present and an integer.
func (s Settings) Int(key string) (int, bool) {
	v, ok := s[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Bool returns the value for key if present and a boolean.
func (s Settings) Bool(key string) (bool, bool) {
	v, ok := s[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
