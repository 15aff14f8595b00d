package proto

// KeyExchangeSigInput is the byte string a device signs to prove it saw this
// exact handshake: the relay's ephemeral DH public key followed by the
// handshake nonce. Both sides build it independently; no length prefixes are
// needed because both fields are fixed size (32 + 16).
func KeyExchangeSigInput(relayDHPub, nonce []byte) []byte {
	buf := make([]byte, 0, len(relayDHPub)+len(nonce))
	buf = append(buf, relayDHPub...)
	buf = append(buf, nonce...)
	return buf
}
