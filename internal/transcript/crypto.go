package transcript

import (
	"io"
	"os"
	"path/filepath"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

const (
	keystoreFile         = "keystore"
	transcriptDescriptor = "weft:transcripts"
)

// cryptoContext holds the key material for at-rest snapshot encryption. The
// root key and the transcript descriptor live in the state directory's key
// store.
type cryptoContext struct {
	root     keymgmt.RootKey
	material keymgmt.Material
}

func newCryptoContext(stateDir string) (*cryptoContext, error) {
	path := filepath.Join(stateDir, keystoreFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	store, err := keymgmt.LoadProto(path)
	if err != nil {
		return nil, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return nil, err
	}
	material, err := store.EnsureDescriptor(transcriptDescriptor, root, []byte(transcriptDescriptor))
	if err != nil {
		return nil, err
	}
	if err := store.Commit(); err != nil {
		return nil, err
	}
	return &cryptoContext{root: root, material: material}, nil
}

func (c *cryptoContext) encryptWriter(w io.Writer) (io.WriteCloser, error) {
	return kryptograf.New(c.root).EncryptWriter(w, c.material)
}

func (c *cryptoContext) decryptReader(r io.Reader) (io.ReadCloser, error) {
	return kryptograf.New(c.root).DecryptReader(r, c.material)
}
