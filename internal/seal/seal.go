// Package seal encrypts the message attached to an upload to a fixed set of
// age recipients before it is stored.
package seal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Sealer encrypts to a fixed recipient list. A nil *Sealer is disabled and
// seals nothing.
type Sealer struct {
	recipients []age.Recipient
}

// NewSealer parses recipients ("age1..." strings). An empty list returns a
// nil Sealer.
func NewSealer(recipients []string) (*Sealer, error) {
	if len(recipients) == 0 {
		return nil, nil
	}
	recs, err := age.ParseRecipients(strings.NewReader(strings.Join(recipients, "\n")))
	if err != nil {
		return nil, fmt.Errorf("seal: parse recipients: %w", err)
	}
	return &Sealer{recipients: recs}, nil
}

// Enabled reports whether messages will be sealed.
func (s *Sealer) Enabled() bool { return s != nil && len(s.recipients) > 0 }

// Seal returns message encrypted and ASCII-armored. A disabled Sealer
// returns "" without error.
func (s *Sealer) Seal(message string) (string, error) {
	if !s.Enabled() {
		return "", nil
	}

	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, s.recipients...)
	if err != nil {
		return "", fmt.Errorf("seal: encrypt: %w", err)
	}
	if _, err := io.WriteString(w, message); err != nil {
		return "", fmt.Errorf("seal: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("seal: close: %w", err)
	}
	if err := aw.Close(); err != nil {
		return "", fmt.Errorf("seal: armor: %w", err)
	}
	return buf.String(), nil
}

// Open decrypts an armored message with any of identities.
func Open(armored string, identities ...age.Identity) (string, error) {
	if armored == "" {
		return "", errors.New("seal: empty ciphertext")
	}
	r, err := age.Decrypt(armor.NewReader(strings.NewReader(armored)), identities...)
	if err != nil {
		return "", fmt.Errorf("seal: decrypt: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("seal: read: %w", err)
	}
	return string(out), nil
}

// ParseIdentities reads age identities (one "AGE-SECRET-KEY-1..." per line,
// comments allowed).
func ParseIdentities(r io.Reader) ([]age.Identity, error) {
	ids, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("seal: parse identities: %w", err)
	}
	return ids, nil
}
