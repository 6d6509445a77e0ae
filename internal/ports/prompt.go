package ports

// HostKeyPrompt describes a host key awaiting a user decision.
type HostKeyPrompt struct {
	Host        string
	Port        int
	KeyType     string
	Fingerprint string
	// Previous is the fingerprint of the formerly trusted key, empty for
	// first contact.
	Previous string
}

// HostKeyPrompter asks a human whether to trust a host key.
type HostKeyPrompter interface {
	ConfirmHostKey(p HostKeyPrompt) (bool, error)
}
