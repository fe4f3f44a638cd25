package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gp-session-sync/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrSecretNotFound   = errors.New("secret not found")
	ErrKMSDisabled      = errors.New("kms secret reference but kms is disabled")
)

// Secret reference prefixes. Anything else is taken literally.
const (
	PrefixEnv    = "env:"
	PrefixBase64 = "b64:"
	PrefixKMS    = "kms:"
)

// KMSAPI is the subset of the KMS client used to decrypt secrets.
type KMSAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// SecretResolver turns configuration secret references into plaintext.
type SecretResolver struct {
	kmsClient KMSAPI
	keyID     string
	cache     sync.Map // ciphertext -> plaintext
}

// NewSecretResolver returns a resolver. kmsClient may be nil, in which case kms:
// references fail with ErrKMSDisabled.
func NewSecretResolver(kmsClient KMSAPI, keyID string) *SecretResolver {
	return &SecretResolver{kmsClient: kmsClient, keyID: keyID}
}

// Resolve returns the plaintext for ref.
func (r *SecretResolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, PrefixEnv):
		name := strings.TrimPrefix(ref, PrefixEnv)
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("%w: environment variable %s", ErrSecretNotFound, name)
		}
		return v, nil

	case strings.HasPrefix(ref, PrefixBase64):
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ref, PrefixBase64))
		if err != nil {
			return "", fmt.Errorf("%w: invalid base64 secret", ErrDecryptionFailed)
		}
		return string(decoded), nil

	case strings.HasPrefix(ref, PrefixKMS):
		return r.decryptKMS(ctx, strings.TrimPrefix(ref, PrefixKMS))

	default:
		return ref, nil
	}
}

func (r *SecretResolver) decryptKMS(ctx context.Context, encoded string) (string, error) {
	if cached, ok := r.cache.Load(encoded); ok {
		return cached.(string), nil
	}
	if r.kmsClient == nil {
		return "", ErrKMSDisabled
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	input := &kms.DecryptInput{CiphertextBlob: blob}
	if r.keyID != "" {
		input.KeyId = aws.String(r.keyID)
	}
	out, err := r.kmsClient.Decrypt(ctx, input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext := string(out.Plaintext)
	r.cache.Store(encoded, plaintext)
	util.Debug("Secret decrypted with KMS", zap.String("key_id", r.keyID))
	return plaintext, nil
}

// ClearCache drops decrypted secrets held in memory.
func (r *SecretResolver) ClearCache() {
	r.cache.Range(func(key, _ interface{}) bool {
		r.cache.Delete(key)
		return true
	})
}
