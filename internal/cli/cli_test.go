package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mtiwari1/pixelledger/internal/hasher"
	"github.com/mtiwari1/pixelledger/internal/imagetest"
	"github.com/mtiwari1/pixelledger/internal/registry"
	"github.com/mtiwari1/pixelledger/internal/seal"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "pixelledger", cmd.Use)

	for _, path := range [][]string{
		{"serve"}, {"ledger", "serve"}, {"ledger", "verify"},
		{"hash"}, {"check"}, {"token-hash"}, {"unseal"},
	} {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}

	cfgFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfgFlag)
	assert.Equal(t, "c", cfgFlag.Shorthand)
}

func writeImage(t *testing.T, dir string, seed int64) string {
	t.Helper()
	path := filepath.Join(dir, "img.png")
	require.NoError(t, os.WriteFile(path, imagetest.NoisePNG(t, seed), 0o644))
	return path
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestHashCommand(t *testing.T) {
	dir := t.TempDir()
	img := writeImage(t, dir, 1)

	buf := &bytes.Buffer{}
	cmd := NewHashCommand(&RootOptions{})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{img})
	require.NoError(t, cmd.Execute())

	want, err := hasher.ComputeFile(img)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, want.ContentHash, out["sha256"])
	assert.Equal(t, want.PerceptualHash, out["perceptual_hash"])
	assert.Equal(t, "png", out["format"])
}

func TestHashCommandNotAnImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))

	cmd := NewHashCommand(&RootOptions{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{path})
	assert.ErrorIs(t, cmd.Execute(), hasher.ErrDecode)
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	img := writeImage(t, dir, 7)
	ledgerPath := filepath.Join(dir, "ledger.db")
	cfgPath := writeConfig(t, dir, "registry:\n  backend: sqlite\n  path: "+ledgerPath+"\n")

	run := func() (map[string]interface{}, error) {
		buf := &bytes.Buffer{}
		cmd := NewCheckCommand(&RootOptions{ConfigPath: cfgPath})
		cmd.SetOut(buf)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{img})
		err := cmd.Execute()
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
		return out, err
	}

	out, err := run()
	require.NoError(t, err)
	assert.Equal(t, false, out["is_duplicate"])
	assert.Nil(t, out["min_distance"])

	d, err := hasher.ComputeFile(img)
	require.NoError(t, err)
	lg, err := registry.OpenSQLite(ledgerPath)
	require.NoError(t, err)
	_, err = lg.Append(context.Background(), d.ContentHash, d.PerceptualHash, "alice")
	require.NoError(t, err)
	require.NoError(t, lg.Close())

	out, err = run()
	require.Error(t, err)
	assert.Equal(t, true, out["is_duplicate"])
	assert.Equal(t, float64(0), out["min_distance"])
}

func TestLedgerVerifyCommand(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.db")
	cfgPath := writeConfig(t, dir, "registry:\n  backend: sqlite\n  path: "+ledgerPath+"\n")

	lg, err := registry.OpenSQLite(ledgerPath)
	require.NoError(t, err)
	for i := int64(0); i < 3; i++ {
		d, err := hasher.Compute(imagetest.NoisePNG(t, 100+i))
		require.NoError(t, err)
		_, err = lg.Append(context.Background(), d.ContentHash, d.PerceptualHash, "bob")
		require.NoError(t, err)
	}
	require.NoError(t, lg.Close())

	buf := &bytes.Buffer{}
	cmd := NewLedgerCommand(&RootOptions{ConfigPath: cfgPath})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"verify"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "3 entries verified")
}

func TestTokenHashCommand(t *testing.T) {
	t.Run("argument", func(t *testing.T) {
		buf := &bytes.Buffer{}
		cmd := NewTokenHashCommand(&RootOptions{})
		cmd.SetOut(buf)
		cmd.SetArgs([]string{"--cost", "4", "s3cret"})
		require.NoError(t, cmd.Execute())

		hash := strings.TrimSpace(buf.String())
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
	})

	t.Run("stdin", func(t *testing.T) {
		buf := &bytes.Buffer{}
		cmd := NewTokenHashCommand(&RootOptions{})
		cmd.SetOut(buf)
		cmd.SetIn(strings.NewReader("from-stdin\n"))
		cmd.SetArgs([]string{"--cost", "4"})
		require.NoError(t, cmd.Execute())

		hash := strings.TrimSpace(buf.String())
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("from-stdin")))
	})

	t.Run("empty", func(t *testing.T) {
		cmd := NewTokenHashCommand(&RootOptions{})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetIn(strings.NewReader(""))
		cmd.SetArgs([]string{})
		assert.Error(t, cmd.Execute())
	})
}

func TestUnsealCommand(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	sealer, err := seal.NewSealer([]string{id.Recipient().String()})
	require.NoError(t, err)
	armored, err := sealer.Seal("hello ledger")
	require.NoError(t, err)

	dir := t.TempDir()
	idPath := filepath.Join(dir, "key.txt")
	require.NoError(t, os.WriteFile(idPath, []byte("# test key\n"+id.String()+"\n"), 0o600))

	buf := &bytes.Buffer{}
	cmd := NewUnsealCommand(&RootOptions{})
	cmd.SetOut(buf)
	cmd.SetIn(strings.NewReader(armored))
	cmd.SetArgs([]string{"--identity", idPath})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "hello ledger\n", buf.String())

	t.Run("missing identity", func(t *testing.T) {
		cmd := NewUnsealCommand(&RootOptions{})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetIn(strings.NewReader(armored))
		cmd.SetArgs([]string{})
		assert.Error(t, cmd.Execute())
	})
}
