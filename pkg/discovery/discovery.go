package discovery

// Store persists which control port currently serves a given HTTP port so that
// a later process can find the leader. Implementations must fail soft: a
// missing, empty or torn record reads as "no stored port".
type Store interface {
	Store(httpPort, controlPort int) error
	Load(httpPort int) (controlPort int, ok bool)
	Clear(httpPort int) error
	// ClearIf clears the record unless it names a valid control port other
	// than controlPort.
	ClearIf(httpPort, controlPort int) error
}
