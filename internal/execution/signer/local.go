package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EnvPrivateKey           = "XBRIDGE_PRIVATE_KEY"
	EnvPrivateKeyFile       = "XBRIDGE_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "XBRIDGE_KEYSTORE_PATH"
	EnvKeystorePassword     = "XBRIDGE_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "XBRIDGE_KEYSTORE_PASSWORD_FILE"

	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultPrivateKeyRelativePath = "xbridge/key.hex"
	defaultPrivateKeyHintPath     = "~/.config/xbridge/key.hex"
)

type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
}

func NewLocalSignerFromEnv(source string) (*LocalSigner, error) {
	return NewLocalSignerFromInputs(source, "")
}

// NewLocalSignerFromInputs resolves a key by source. A non-empty override wins over every source.
func NewLocalSignerFromInputs(source, privateKeyOverride string) (*LocalSigner, error) {
	if strings.TrimSpace(privateKeyOverride) != "" {
		return NewLocalSigner(LocalSignerConfig{PrivateKeyHex: privateKeyOverride})
	}
	cfg := LocalSignerConfig{
		PrivateKeyHex:        strings.TrimSpace(os.Getenv(EnvPrivateKey)),
		PrivateKeyFile:       strings.TrimSpace(os.Getenv(EnvPrivateKeyFile)),
		KeystorePath:         strings.TrimSpace(os.Getenv(EnvKeystorePath)),
		KeystorePassword:     strings.TrimSpace(os.Getenv(EnvKeystorePassword)),
		KeystorePasswordFile: strings.TrimSpace(os.Getenv(EnvKeystorePasswordFile)),
	}
	if cfg.PrivateKeyFile == "" {
		cfg.PrivateKeyFile = discoverDefaultPrivateKeyFile()
	}

	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", KeySourceAuto:
	case KeySourceEnv:
		cfg = LocalSignerConfig{PrivateKeyHex: cfg.PrivateKeyHex}
	case KeySourceFile:
		cfg = LocalSignerConfig{PrivateKeyFile: cfg.PrivateKeyFile}
	case KeySourceKeystore:
		cfg.PrivateKeyHex = ""
		cfg.PrivateKeyFile = ""
	default:
		return nil, fmt.Errorf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
	}
	return NewLocalSigner(cfg)
}

type LocalSignerConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

func NewLocalSigner(cfg LocalSignerConfig) (*LocalSigner, error) {
	pk, err := loadPrivateKey(cfg)
	if err != nil {
		return nil, err
	}
	pub, ok := pk.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("invalid ECDSA public key")
	}
	return &LocalSigner{privateKey: pk, address: crypto.PubkeyToAddress(*pub)}, nil
}

func loadPrivateKey(cfg LocalSignerConfig) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(cfg.PrivateKeyHex) != "" {
		return parseHexKey(cfg.PrivateKeyHex)
	}
	if strings.TrimSpace(cfg.PrivateKeyFile) != "" {
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return parseHexKey(string(buf))
	}
	if strings.TrimSpace(cfg.KeystorePath) != "" {
		password := cfg.KeystorePassword
		if strings.TrimSpace(password) == "" && strings.TrimSpace(cfg.KeystorePasswordFile) != "" {
			buf, err := os.ReadFile(cfg.KeystorePasswordFile)
			if err != nil {
				return nil, fmt.Errorf("read keystore password file: %w", err)
			}
			password = strings.TrimSpace(string(buf))
		}
		if strings.TrimSpace(password) == "" {
			return nil, fmt.Errorf("keystore password is required")
		}
		buf, err := os.ReadFile(cfg.KeystorePath)
		if err != nil {
			return nil, fmt.Errorf("read keystore file: %w", err)
		}
		key, err := keystore.DecryptKey(buf, password)
		if err != nil {
			return nil, fmt.Errorf("decrypt keystore: %w", err)
		}
		return key.PrivateKey, nil
	}
	return nil, fmt.Errorf("missing signing key: set %s, %s or %s, or write a hex key to %s",
		EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath, defaultPrivateKeyHintPath)
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, fmt.Errorf("empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}

func defaultPrivateKeyPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, defaultPrivateKeyRelativePath)
}

func discoverDefaultPrivateKeyFile() string {
	path := defaultPrivateKeyPath()
	if path == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}
