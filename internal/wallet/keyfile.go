package wallet

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"

	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/rkmonarch/atomiq-mark-1/pkg/helpers"
)

// Argon2id parameters for new key files.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2SaltLen     = 32

	keyFileVersion = 2
)

// Password limits.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ErrWrongPassword is returned when a key file cannot be decrypted.
var ErrWrongPassword = errors.New("wrong password or corrupted key file")

// KeyFile is an encrypted mnemonic as stored on disk. The key is derived
// with Argon2id and the mnemonic sealed with XChaCha20-Poly1305.
type KeyFile struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// Encrypt seals mnemonic under password.
func Encrypt(mnemonic, password string) (*KeyFile, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	kf := &KeyFile{
		Version:     keyFileVersion,
		Salt:        make([]byte, argon2SaltLen),
		Nonce:       make([]byte, chacha20poly1305.NonceSizeX),
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}
	if _, err := rand.Read(kf.Salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := rand.Read(kf.Nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	key := kf.deriveKey(password)
	defer helpers.SecureClear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	kf.Ciphertext = aead.Seal(nil, kf.Nonce, []byte(mnemonic), kf.additionalData())
	return kf, nil
}

// Decrypt opens the key file and returns the mnemonic.
func (kf *KeyFile) Decrypt(password string) (string, error) {
	if kf.Version != keyFileVersion {
		return "", fmt.Errorf("unsupported key file version %d", kf.Version)
	}

	key := kf.deriveKey(password)
	defer helpers.SecureClear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(kf.Nonce) != aead.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce length", ErrWrongPassword)
	}

	plaintext, err := aead.Open(nil, kf.Nonce, kf.Ciphertext, kf.additionalData())
	if err != nil {
		return "", ErrWrongPassword
	}
	defer helpers.SecureClear(plaintext)

	return string(plaintext), nil
}

func (kf *KeyFile) deriveKey(password string) []byte {
	return argon2.IDKey([]byte(password), kf.Salt, kf.Time, kf.Memory, kf.Parallelism, chacha20poly1305.KeySize)
}

// additionalData binds the KDF parameters to the ciphertext.
func (kf *KeyFile) additionalData() []byte {
	return []byte(fmt.Sprintf("atomiq-keyfile:v%d:%d:%d:%d", kf.Version, kf.Time, kf.Memory, kf.Parallelism))
}

// Save writes the key file with owner-only permissions.
func (kf *KeyFile) Save(path string) error {
	if path == "" {
		return fmt.Errorf("key file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key file: %w", err)
	}

	// Replace atomically.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadKeyFile reads a key file from disk.
func LoadKeyFile(path string) (*KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var kf KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	return &kf, nil
}

// Unlock loads and decrypts the key file at path and opens the wallet.
func Unlock(path, password, passphrase string, params *chaincfg.Params) (*Wallet, error) {
	kf, err := LoadKeyFile(path)
	if err != nil {
		return nil, err
	}
	mnemonic, err := kf.Decrypt(password)
	if err != nil {
		return nil, err
	}
	return NewFromMnemonic(mnemonic, passphrase, params)
}

// ValidatePassword requires MinPasswordLength characters and at least three
// of upper case, lower case, digits and symbols.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	var upper, lower, digit, symbol int
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = 1
		case unicode.IsLower(r):
			lower = 1
		case unicode.IsNumber(r):
			digit = 1
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = 1
		}
	}
	if upper+lower+digit+symbol < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}
	return nil
}
