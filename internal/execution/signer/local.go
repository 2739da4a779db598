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
	EnvPrivateKey           = "PAYYIELD_PRIVATE_KEY"
	EnvPrivateKeyFile       = "PAYYIELD_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "PAYYIELD_KEYSTORE_PATH"
	EnvKeystorePassword     = "PAYYIELD_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "PAYYIELD_KEYSTORE_PASSWORD_FILE"
)

// Key sources accepted by --key-source. KeySourceFlag is only reported,
// never requested: it marks a key passed with --private-key.
const (
	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"
	KeySourceFlag     = "flag"
)

const (
	keyFileName     = "key.hex"
	keyFileHintPath = "~/.config/payyield/key.hex"
)

// LocalSigner signs Arbitrum transactions with an in-process key.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	source  string
}

func (s *LocalSigner) Address() common.Address { return s.address }

// Source reports where the key was loaded from.
func (s *LocalSigner) Source() string { return s.source }

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("local signer has no key loaded")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id is required to sign")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// Load resolves the wallet key. A --private-key value wins over every
// configured source. Otherwise auto tries the env key, then the key file
// (falling back to the default config path), then the keystore.
func Load(source, privateKey string) (*LocalSigner, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		source = KeySourceAuto
	}
	inputs, err := keyInputsFromEnv().only(source)
	if err != nil {
		return nil, err
	}
	if privateKey = strings.TrimSpace(privateKey); privateKey != "" {
		return fromHex(privateKey, KeySourceFlag)
	}
	return inputs.load()
}

// keyInputs is every configured location of a wallet key.
type keyInputs struct {
	hex          string
	file         string
	keystore     string
	password     string
	passwordFile string
}

func keyInputsFromEnv() keyInputs {
	in := keyInputs{
		hex:          envValue(EnvPrivateKey),
		file:         envValue(EnvPrivateKeyFile),
		keystore:     envValue(EnvKeystorePath),
		password:     envValue(EnvKeystorePassword),
		passwordFile: envValue(EnvKeystorePasswordFile),
	}
	if in.file == "" {
		in.file = existingDefaultKeyFile()
	}
	return in
}

// only keeps the inputs that belong to source.
func (in keyInputs) only(source string) (keyInputs, error) {
	switch source {
	case KeySourceAuto:
		return in, nil
	case KeySourceEnv:
		return keyInputs{hex: in.hex}, nil
	case KeySourceFile:
		return keyInputs{file: in.file}, nil
	case KeySourceKeystore:
		return keyInputs{keystore: in.keystore, password: in.password, passwordFile: in.passwordFile}, nil
	}
	return keyInputs{}, fmt.Errorf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
}

func (in keyInputs) load() (*LocalSigner, error) {
	switch {
	case in.hex != "":
		return fromHex(in.hex, KeySourceEnv)
	case in.file != "":
		buf, err := os.ReadFile(in.file)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return fromHex(string(buf), KeySourceFile)
	case in.keystore != "":
		key, err := in.decryptKeystore()
		if err != nil {
			return nil, err
		}
		return fromKey(key, KeySourceKeystore)
	}
	return nil, fmt.Errorf("missing signing key: write a hex key to %s, pass --private-key, or set %s / %s / %s", keyFileHintPath, EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath)
}

func (in keyInputs) decryptKeystore() (*ecdsa.PrivateKey, error) {
	password := in.password
	if password == "" && in.passwordFile != "" {
		buf, err := os.ReadFile(in.passwordFile)
		if err != nil {
			return nil, fmt.Errorf("read keystore password file: %w", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if password == "" {
		return nil, errors.New("keystore password is required")
	}
	buf, err := os.ReadFile(in.keystore)
	if err != nil {
		return nil, fmt.Errorf("read keystore file: %w", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

func fromHex(raw, source string) (*LocalSigner, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, errors.New("empty private key")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return fromKey(key, source)
}

func fromKey(key *ecdsa.PrivateKey, source string) (*LocalSigner, error) {
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("invalid ECDSA public key")
	}
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(*pub), source: source}, nil
}

func envValue(name string) string { return strings.TrimSpace(os.Getenv(name)) }

// defaultKeyFile is $XDG_CONFIG_HOME/payyield/key.hex, or ~/.config when
// XDG_CONFIG_HOME is unset.
func defaultKeyFile() string {
	base := envValue("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "payyield", keyFileName)
}

func existingDefaultKeyFile() string {
	path := defaultKeyFile()
	if path == "" {
		return ""
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}
