package ports

// Random supplies the entropy used to mint connection, session and tunnel IDs.
type Random interface {
	Read(b []byte) (n int, err error)
}
