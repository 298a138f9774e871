package control

// Protector hardens the service process against termination by an
// unprivileged user. Implementations are platform specific.
type Protector interface {
	EnableProcessProtection() error
	DisableProcessProtection() error
}

type NopProtector struct{}

func (NopProtector) EnableProcessProtection() error  { return nil }
func (NopProtector) DisableProcessProtection() error { return nil }
