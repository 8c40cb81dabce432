package contentcrypto

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"ShareFM/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	key, err := NewContentKey()
	require.NoError(t, err)

	env, err := Wrap(kp.Public(), key)
	require.NoError(t, err)
	assert.Len(t, env.EphemeralPub, 65)
	assert.Len(t, env.IV, 12)

	got, err := Unwrap(kp.Private(), env)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = Unwrap(other.Private(), env)
	assert.ErrorIs(t, err, model.ErrDecryptFailed)
}

func TestEnvelopeJSON(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	env, err := Wrap(kp.Public(), make([]byte, KeySize))
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var back Envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, *env, back)

	_, err = EnvelopeFromHex("04", "00", "00")
	assert.ErrorIs(t, err, model.ErrCorruptPayload)
}

func TestDecryptBlob(t *testing.T) {
	key, err := NewContentKey()
	require.NoError(t, err)
	blob, err := EncryptBlob(key, []byte("ID3 audio"))
	require.NoError(t, err)

	plain, err := DecryptBlob(key, blob)
	require.NoError(t, err)
	assert.Equal(t, "ID3 audio", string(plain))

	_, err = DecryptBlob(key, blob[:12])
	assert.ErrorIs(t, err, model.ErrCorruptPayload)

	blob[len(blob)-1] ^= 0xff
	_, err = DecryptBlob(key, blob)
	assert.ErrorIs(t, err, model.ErrDecryptFailed)
}

func TestKeyStoreEncryptsPrivateKeyAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "keypair.json")
	store := NewKeyStore(path, []byte("machine-a"))

	_, err := store.Load()
	assert.ErrorIs(t, err, model.ErrMissingKeyPair)

	kp, created, err := store.LoadOrCreate()
	require.NoError(t, err)
	assert.True(t, created)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), encryptedPrefix)
	assert.NotContains(t, string(raw), hex.EncodeToString(kp.Private().Bytes()))

	loaded, created, err := store.LoadOrCreate()
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, kp.PublicHex(), loaded.PublicHex())

	_, err = NewKeyStore(path, []byte("machine-b")).Load()
	assert.Error(t, err)
}

func TestInferMimeType(t *testing.T) {
	assert.Equal(t, "audio/flac", InferMimeType("song.FLAC", nil))
	assert.Equal(t, "audio/ogg", InferMimeType("song", []byte("OggS....")))
	assert.Equal(t, "audio/wav", InferMimeType("", []byte("RIFF\x00\x00\x00\x00WAVEfmt ")))
	assert.Equal(t, "audio/mp4", InferMimeType("", []byte("\x00\x00\x00\x20ftypM4A ")))
	assert.Equal(t, "audio/aac", InferMimeType("", []byte{0xFF, 0xF1, 0x50}))
	assert.Equal(t, "audio/mpeg", InferMimeType("", []byte{0xFF, 0xFB, 0x90}))
	assert.Equal(t, DefaultMimeType, InferMimeType("Track 0x1234", []byte("????")))
	assert.Equal(t, "m4a", ExtensionFor("audio/mp4"))
	assert.Equal(t, "bin", ExtensionFor("application/octet-stream"))
}

type staticKeys struct {
	kp  *KeyPair
	err error
}

func (s staticKeys) Load() (*KeyPair, error) { return s.kp, s.err }

type fakeWraps struct {
	env   *Envelope
	err   error
	calls int
}

func (f *fakeWraps) Resolve(context.Context, string, string, string) (*Envelope, error) {
	f.calls++
	return f.env, f.err
}

type fakePieces struct {
	blob  []byte
	calls int
}

func (f *fakePieces) Fetch(context.Context, string) ([]byte, error) {
	f.calls++
	return f.blob, nil
}

func engineFixture(t *testing.T, plaintext []byte) (*Engine, *fakeWraps, *fakePieces) {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	key, err := NewContentKey()
	require.NoError(t, err)
	env, err := Wrap(kp.Public(), key)
	require.NoError(t, err)
	blob, err := EncryptBlob(key, plaintext)
	require.NoError(t, err)

	wraps := &fakeWraps{env: env}
	pieces := &fakePieces{blob: blob}
	return NewEngine(staticKeys{kp: kp}, wraps, pieces, nil), wraps, pieces
}

func validRef() model.ContentRef {
	return model.ContentRef{ContentID: "0xc1", Owner: "0xowner", PiecePointer: "bafy", Algo: model.AlgoAES256GCM}
}

func TestEngineDecrypt(t *testing.T) {
	engine, wraps, pieces := engineFixture(t, []byte("fLaC-audio"))
	out, err := engine.Decrypt(context.Background(), validRef(), model.Identity{Address: "0xME"}, "Song")
	require.NoError(t, err)
	assert.Equal(t, "fLaC-audio", string(out.Data))
	assert.Equal(t, "audio/flac", out.MimeType)
	assert.Equal(t, 1, wraps.calls)
	assert.Equal(t, 1, pieces.calls)
}

func TestEngineRejectsUnsupportedAlgoWithoutKeyFetch(t *testing.T) {
	engine, wraps, pieces := engineFixture(t, []byte("x"))
	for _, algo := range []uint8{0, 2} {
		ref := validRef()
		ref.Algo = algo
		_, err := engine.Decrypt(context.Background(), ref, model.Identity{Address: "0xme"}, "")
		assert.ErrorIs(t, err, model.ErrNotSupported)
	}
	assert.Zero(t, wraps.calls)
	assert.Zero(t, pieces.calls)
}

func TestEnginePreconditions(t *testing.T) {
	engine, wraps, _ := engineFixture(t, []byte("x"))
	ref := validRef()
	ref.PiecePointer = ""
	_, err := engine.Decrypt(context.Background(), ref, model.Identity{Address: "0xme"}, "")
	assert.ErrorIs(t, err, model.ErrNotUnlocked)

	_, err = engine.Decrypt(context.Background(), validRef(), model.Identity{}, "")
	assert.ErrorIs(t, err, model.ErrNotUnlocked)
	assert.Zero(t, wraps.calls)
}

func TestEngineMissingKeyPairAndNotShared(t *testing.T) {
	engine := NewEngine(staticKeys{err: model.ErrMissingKeyPair}, &fakeWraps{}, &fakePieces{}, nil)
	_, err := engine.Decrypt(context.Background(), validRef(), model.Identity{Address: "0xme"}, "")
	assert.ErrorIs(t, err, model.ErrMissingKeyPair)

	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	engine = NewEngine(staticKeys{kp: kp}, &fakeWraps{err: model.ErrNotShared}, &fakePieces{}, nil)
	_, err = engine.Decrypt(context.Background(), validRef(), model.Identity{Address: "0xme"}, "")
	assert.ErrorIs(t, err, model.ErrNotShared)
	assert.False(t, errors.Is(err, model.ErrNotSupported))
}

func TestEngineCorruptBlob(t *testing.T) {
	engine, _, pieces := engineFixture(t, []byte("x"))
	pieces.blob = []byte("short")
	_, err := engine.Decrypt(context.Background(), validRef(), model.Identity{Address: "0xme"}, "")
	assert.ErrorIs(t, err, model.ErrCorruptPayload)
}
