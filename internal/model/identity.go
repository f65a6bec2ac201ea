package model

type (
	// DeviceIdentity is fixed for the lifetime of the process.
	DeviceIdentity struct {
		DeviceID        string
		PreSharedSecret []byte
	}

	// Challenge is issued by the backend once per handshake attempt.
	Challenge struct {
		Nonce           string
		ServerPublicKey []byte
	}
)
