package authguard

import (
	"context"

	"github.com/MrEthical07/authguard/audit"
	"github.com/MrEthical07/authguard/fieldcrypt"
)

var errCryptoDisabled = newError(KindInternal, "crypto", ErrEngineNotReady)

// Encrypt seals a sensitive field.
func (e *Engine) Encrypt(plaintext []byte) (fieldcrypt.Blob, error) {
	if e == nil || e.crypto == nil {
		return fieldcrypt.Blob{}, errCryptoDisabled
	}
	blob, err := e.crypto.Encrypt(plaintext)
	return blob, wrap("encrypt", err)
}

// Decrypt opens a sealed field. Tampered or truncated input returns a
// crypto error, never partial plaintext, and is recorded as a high-severity
// event.
func (e *Engine) Decrypt(ctx context.Context, blob fieldcrypt.Blob) ([]byte, error) {
	if e == nil || e.crypto == nil {
		return nil, errCryptoDisabled
	}
	plaintext, err := e.crypto.Decrypt(blob)
	if err != nil {
		e.onDecryptFailure(ctx)
		return nil, wrap("decrypt", err)
	}
	return plaintext, nil
}

// EncryptString seals value into its compact string form.
func (e *Engine) EncryptString(value string) (string, error) {
	if e == nil || e.crypto == nil {
		return "", errCryptoDisabled
	}
	out, err := e.crypto.EncryptString(value)
	return out, wrap("encrypt", err)
}

// DecryptString reverses [Engine.EncryptString].
func (e *Engine) DecryptString(ctx context.Context, encoded string) (string, error) {
	if e == nil || e.crypto == nil {
		return "", errCryptoDisabled
	}
	out, err := e.crypto.DecryptString(encoded)
	if err != nil {
		e.onDecryptFailure(ctx)
		return "", wrap("decrypt", err)
	}
	return out, nil
}

func (e *Engine) onDecryptFailure(ctx context.Context) {
	e.metricInc(MetricDecryptFailure)
	e.emit(ctx, audit.Event{Type: audit.TypeDecryptionFailed, Severity: audit.SeverityHigh})
}
