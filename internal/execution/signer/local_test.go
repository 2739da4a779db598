package signer

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	walletKey  = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"
	otherKey   = "8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
	arbitrumID = 42161
)

func addressOf(t *testing.T, hexKey string) common.Address {
	t.Helper()
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey)
}

// clearKeyEnv removes every key input and points the default key file at
// an empty config dir.
func clearKeyEnv(t *testing.T) string {
	t.Helper()
	cfg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", cfg)
	for _, name := range []string{EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath, EnvKeystorePassword, EnvKeystorePasswordFile} {
		t.Setenv(name, "")
	}
	return cfg
}

func writeKeyFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("create key dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
}

func TestLoadResolvesEachSource(t *testing.T) {
	want := addressOf(t, walletKey)
	cases := []struct {
		name   string
		source string
		setup  func(t *testing.T, cfg string)
	}{
		{
			name:   "env",
			source: KeySourceEnv,
			setup:  func(t *testing.T, _ string) { t.Setenv(EnvPrivateKey, "0x"+walletKey) },
		},
		{
			name:   "file",
			source: KeySourceFile,
			setup: func(t *testing.T, cfg string) {
				path := filepath.Join(cfg, "keys", "wallet.txt")
				writeKeyFile(t, path, walletKey+"\n")
				t.Setenv(EnvPrivateKeyFile, path)
			},
		},
		{
			name:   "default key file",
			source: KeySourceAuto,
			setup: func(t *testing.T, cfg string) {
				writeKeyFile(t, filepath.Join(cfg, "payyield", "key.hex"), walletKey)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := clearKeyEnv(t)
			tc.setup(t, cfg)
			s, err := Load(tc.source, "")
			if err != nil {
				t.Fatalf("Load(%q) failed: %v", tc.source, err)
			}
			if s.Address() != want {
				t.Fatalf("expected %s, got %s", want.Hex(), s.Address().Hex())
			}
		})
	}
}

func TestLoadReportsResolvedSource(t *testing.T) {
	cfg := clearKeyEnv(t)
	writeKeyFile(t, filepath.Join(cfg, "payyield", "key.hex"), walletKey)

	s, err := Load(KeySourceAuto, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Source() != KeySourceFile {
		t.Fatalf("expected default key file to report %q, got %q", KeySourceFile, s.Source())
	}

	// The env key outranks the key file under auto.
	t.Setenv(EnvPrivateKey, otherKey)
	s, err = Load(KeySourceAuto, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Source() != KeySourceEnv || s.Address() != addressOf(t, otherKey) {
		t.Fatalf("expected env key to win, got source=%q address=%s", s.Source(), s.Address().Hex())
	}
}

func TestLoadPrivateKeyFlagWinsOverSource(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv(EnvPrivateKey, otherKey)
	t.Setenv(EnvPrivateKeyFile, "/nonexistent/payyield/key.hex")

	s, err := Load(KeySourceFile, walletKey)
	if err != nil {
		t.Fatalf("expected --private-key to win over the file source: %v", err)
	}
	if s.Source() != KeySourceFlag || s.Address() != addressOf(t, walletKey) {
		t.Fatalf("unexpected signer: source=%q address=%s", s.Source(), s.Address().Hex())
	}
}

func TestLoadRestrictsToRequestedSource(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv(EnvPrivateKey, walletKey)

	if _, err := Load(KeySourceFile, ""); err == nil {
		t.Fatal("file source must ignore the env key")
	}
	if _, err := Load(KeySourceKeystore, ""); err == nil {
		t.Fatal("keystore source must ignore the env key")
	}
}

func TestLoadRejectsUnknownSource(t *testing.T) {
	clearKeyEnv(t)
	_, err := Load("ledger", walletKey)
	if err == nil || !strings.Contains(err.Error(), `unsupported key source "ledger"`) {
		t.Fatalf("expected unsupported key source error, got %v", err)
	}
}

func TestLoadKeystore(t *testing.T) {
	cfg := clearKeyEnv(t)
	key, err := crypto.HexToECDSA(walletKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	ks := keystore.NewKeyStore(filepath.Join(cfg, "keystore"), keystore.LightScryptN, keystore.LightScryptP)
	account, err := ks.ImportECDSA(key, "hunter2")
	if err != nil {
		t.Fatalf("import key: %v", err)
	}
	passwordFile := filepath.Join(cfg, "password.txt")
	writeKeyFile(t, passwordFile, "hunter2\n")
	t.Setenv(EnvKeystorePath, account.URL.Path)

	if _, err := Load(KeySourceKeystore, ""); err == nil || !strings.Contains(err.Error(), "keystore password is required") {
		t.Fatalf("expected missing password error, got %v", err)
	}

	t.Setenv(EnvKeystorePasswordFile, passwordFile)
	s, err := Load(KeySourceKeystore, "")
	if err != nil {
		t.Fatalf("Load keystore failed: %v", err)
	}
	if s.Source() != KeySourceKeystore || s.Address() != account.Address {
		t.Fatalf("unexpected signer: source=%q address=%s", s.Source(), s.Address().Hex())
	}
}

func TestLoadMissingKeyNamesEveryInput(t *testing.T) {
	clearKeyEnv(t)
	_, err := Load(KeySourceAuto, "")
	if err == nil {
		t.Fatal("expected missing key error")
	}
	for _, want := range []string{keyFileHintPath, "--private-key", EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected missing key message to mention %q, got: %s", want, err)
		}
	}
}

func TestDefaultKeyFileUsesXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/payyield-config-home")
	if got, want := defaultKeyFile(), "/tmp/payyield-config-home/payyield/key.hex"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestSignTxRecoversSenderOnArbitrum(t *testing.T) {
	clearKeyEnv(t)
	s, err := Load(KeySourceAuto, walletKey)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	chainID := big.NewInt(arbitrumID)
	router := common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     3,
		To:        &router,
		Value:     big.NewInt(0),
		Gas:       180_000,
		GasTipCap: big.NewInt(10_000_000),
		GasFeeCap: big.NewInt(100_000_000),
	})
	signed, err := s.SignTx(chainID, tx)
	if err != nil {
		t.Fatalf("SignTx failed: %v", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != s.Address() {
		t.Fatalf("expected sender %s, got %s", s.Address().Hex(), sender.Hex())
	}

	if _, err := s.SignTx(nil, tx); err == nil {
		t.Fatal("expected missing chain id to fail")
	}
	var empty *LocalSigner
	if _, err := empty.SignTx(chainID, tx); err == nil {
		t.Fatal("expected signer without a key to fail")
	}
}
