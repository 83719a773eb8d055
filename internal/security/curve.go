// Package security wraps data-plane connections with Curve25519
// public-key encryption when the agent is configured with a Curve keypair
// (the coordinator's control-plane connections are not wrapped), standing in for the source's CurveZMQ channel security —
// not byte-compatible with it, since no Go CurveZMQ implementation exists
// anywhere in the retrieval pack; this is a fresh framing over
// golang.org/x/crypto/nacl/box instead.
package security

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"

	"github.com/nexoedge/agent/internal/config"
)

const keySize = 32

// KeyPair is a local Curve25519 keypair, decoded from config.CurveKeys.
type KeyPair struct {
	Public  *[keySize]byte
	Private *[keySize]byte
}

// LoadKeyPair decodes a base64-encoded Curve keypair from config. It
// returns (nil, nil) when k is nil, meaning the channel runs unencrypted.
func LoadKeyPair(k *config.CurveKeys) (*KeyPair, error) {
	if k == nil {
		return nil, nil
	}
	pub, err := decodeKey(k.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "security: decoding public key")
	}
	priv, err := decodeKey(k.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "security: decoding private key")
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

func decodeKey(s string) (*[keySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != keySize {
		return nil, errors.Errorf("security: key must be %d bytes, got %d", keySize, len(raw))
	}
	var out [keySize]byte
	copy(out[:], raw)
	return &out, nil
}

// GenerateKeyPair creates a fresh random Curve25519 keypair, base64-encoded
// for storage in a config file.
func GenerateKeyPair() (pubB64, privB64 string, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", errors.Wrap(err, "security: generating keypair")
	}
	return base64.StdEncoding.EncodeToString(pub[:]), base64.StdEncoding.EncodeToString(priv[:]), nil
}

// Wrapper produces a net.Conn-wrapping function bound to a local keypair
// and a single trusted peer public key, suitable for
// transport.Server.SetWrap / transport.Dial.
type Wrapper struct {
	local *KeyPair
	peer  *[keySize]byte
}

// NewWrapper returns nil (no-op) when local is nil, meaning encryption is
// disabled for this agent.
func NewWrapper(local *KeyPair, peerPublic *[keySize]byte) *Wrapper {
	if local == nil {
		return nil
	}
	return &Wrapper{local: local, peer: peerPublic}
}

// Wrap returns conn wrapped in a Conn that box-seals every frame written
// and box-opens every frame read, matching transport/wire's io.Reader/
// io.Writer usage on net.Conn directly.
func (w *Wrapper) Wrap(conn net.Conn) net.Conn {
	return &Conn{Conn: conn, local: w.local, peer: w.peer}
}

// Conn layers per-message nacl/box sealing onto an underlying net.Conn. It
// preserves message boundaries: each Write seals exactly the bytes given
// into one length-prefixed frame, and each Read returns bytes from exactly
// one such frame (buffering any leftover for the next call), so
// internal/wire and internal/coordinator's protocol codecs — which read
// and write in irregular, uncorrelated chunk sizes — still observe message
// boundaries the way they would on a plain socket, as long as each logical
// event is still written with a single Write call per frame (true of
// internal/wire's countingWriter and internal/coordinator's errWriter
// helpers, which always finish one event before the next is started).
type Conn struct {
	net.Conn
	local *KeyPair
	peer  *[keySize]byte

	readBuf []byte
}

func (c *Conn) Write(p []byte) (int, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return 0, errors.Wrap(err, "security: generating nonce")
	}
	sealed := box.Seal(nonce[:], p, &nonce, c.peer, c.local.Private)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	if _, err := c.Conn.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := c.Conn.Write(sealed); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	if len(c.readBuf) == 0 {
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.Conn, lenBuf[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		sealed := make([]byte, n)
		if _, err := io.ReadFull(c.Conn, sealed); err != nil {
			return 0, err
		}
		if len(sealed) < 24 {
			return 0, errors.New("security: sealed frame shorter than a nonce")
		}
		var nonce [24]byte
		copy(nonce[:], sealed[:24])
		plain, ok := box.Open(nil, sealed[24:], &nonce, c.peer, c.local.Private)
		if !ok {
			return 0, errors.New("security: box.Open failed, message forged or corrupted")
		}
		c.readBuf = plain
	}

	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// SetDeadline/SetReadDeadline/SetWriteDeadline pass through to the
// underlying connection; neither sealing nor opening blocks independently
// of the socket.
func (c *Conn) SetDeadline(t time.Time) error      { return c.Conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.Conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.Conn.SetWriteDeadline(t) }
