package transport

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmsg/crypto"
)

// ErrHandshakeFailed indicates the Noise handshake could not be
// completed with the peer.
var ErrHandshakeFailed = errors.New("noise handshake failed")

// NoiseChannel is a Conn secured by a completed Noise IK handshake.
// Every message is encrypted and authenticated with the session keys
// established during the handshake.
type NoiseChannel struct {
	conn         Conn
	send         *noise.CipherState
	recv         *noise.CipherState
	remoteStatic []byte
}

func newNoiseHandshake(localPrivateKey [32]byte, peerPublicKey []byte, initiator bool) (*noise.HandshakeState, error) {
	keyPair, err := crypto.FromSecretKey(localPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("derive static keypair: %w", err)
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, keyPair.Private[:])
	copy(staticKey.Public, keyPair.Public[:])
	crypto.WipeKeyPair(keyPair)

	config := noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     initiator,
		StaticKeypair: staticKey,
	}
	if initiator {
		config.PeerStatic = make([]byte, 32)
		copy(config.PeerStatic, peerPublicKey)
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}
	return state, nil
}

// DialNoise runs the initiator side of the IK handshake over conn.
// The initiator must already know the peer's static X25519 public key;
// a peer that cannot prove possession of the matching private key fails
// the handshake.
func DialNoise(conn Conn, localPrivateKey, peerPublicKey [32]byte) (*NoiseChannel, error) {
	state, err := newNoiseHandshake(localPrivateKey, peerPublicKey[:], true)
	if err != nil {
		return nil, err
	}

	// -> e, es, s, ss
	first, _, _, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := conn.SendBytes(first); err != nil {
		return nil, fmt.Errorf("%w: send initiation: %v", ErrHandshakeFailed, err)
	}

	// <- e, ee, se
	reply, err := conn.Receive()
	if err != nil {
		return nil, fmt.Errorf("%w: receive response: %v", ErrHandshakeFailed, err)
	}
	_, recvCipher, sendCipher, err := state.ReadMessage(nil, reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialNoise",
	}).Debug("Noise IK handshake complete as initiator")

	return &NoiseChannel{
		conn:         conn,
		send:         sendCipher,
		recv:         recvCipher,
		remoteStatic: append([]byte(nil), state.PeerStatic()...),
	}, nil
}

// AcceptNoise runs the responder side of the IK handshake over conn.
// The initiator's static key is learned during the handshake and is
// available afterwards via RemoteStaticKey.
func AcceptNoise(conn Conn, localPrivateKey [32]byte) (*NoiseChannel, error) {
	state, err := newNoiseHandshake(localPrivateKey, nil, false)
	if err != nil {
		return nil, err
	}

	first, err := conn.Receive()
	if err != nil {
		return nil, fmt.Errorf("%w: receive initiation: %v", ErrHandshakeFailed, err)
	}
	if _, _, _, err := state.ReadMessage(nil, first); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	reply, sendCipher, recvCipher, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := conn.SendBytes(reply); err != nil {
		return nil, fmt.Errorf("%w: send response: %v", ErrHandshakeFailed, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "AcceptNoise",
	}).Debug("Noise IK handshake complete as responder")

	return &NoiseChannel{
		conn:         conn,
		send:         sendCipher,
		recv:         recvCipher,
		remoteStatic: append([]byte(nil), state.PeerStatic()...),
	}, nil
}

// RemoteStaticKey returns the peer's long-term X25519 public key as
// authenticated by the handshake.
func (nc *NoiseChannel) RemoteStaticKey() []byte {
	key := make([]byte, len(nc.remoteStatic))
	copy(key, nc.remoteStatic)
	return key
}

// SendBytes encrypts one message with the session keys and transmits it.
func (nc *NoiseChannel) SendBytes(data []byte) error {
	ciphertext, err := nc.send.Encrypt(nil, nil, data)
	if err != nil {
		return fmt.Errorf("encrypt channel message: %w", err)
	}
	return nc.conn.SendBytes(ciphertext)
}

// Receive blocks for the next message and decrypts it. A message that
// fails authentication is an error; no partial plaintext is returned.
func (nc *NoiseChannel) Receive() ([]byte, error) {
	ciphertext, err := nc.conn.Receive()
	if err != nil {
		return nil, err
	}
	plaintext, err := nc.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt channel message: %w", err)
	}
	return plaintext, nil
}

// Disconnect closes the underlying connection.
func (nc *NoiseChannel) Disconnect() error {
	return nc.conn.Disconnect()
}
