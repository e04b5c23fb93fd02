package sshserver

// Config defines SSH attach settings.
type Config struct {
	Addr               string
	HostKeyPath        string
	AuthorizedKeysPath string
	AllowRemote        bool
}
