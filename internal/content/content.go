// Package content tracks the content packages enabled on the server and the
// hashes clients use to verify they have the same files installed.
package content

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"

	"github.com/dcrodman/ballast/internal/packets"
	"github.com/dcrodman/ballast/internal/rwlock"
)

// Definition describes a content package as configured by the host.
type Definition struct {
	Name    string
	Version string
	// Path is the package's directory or file. Packages without a path are
	// hashed on name and version alone.
	Path string
}

type Package struct {
	Definition
	Hash string
}

// Registry holds the ordered list of enabled packages. Reloading takes the
// write lock so handshakes in progress never see a partial manifest.
type Registry struct {
	lock     *rwlock.RWLock
	packages []Package
}

func NewRegistry() *Registry {
	return &Registry{lock: rwlock.New()}
}

// Load hashes every definition and replaces the enabled package list.
func (r *Registry) Load(ctx context.Context, defs []Definition) error {
	loaded := make([]Package, 0, len(defs))
	for _, def := range defs {
		hash, err := Hash(def)
		if err != nil {
			return fmt.Errorf("error hashing content package %s: %w", def.Name, err)
		}
		loaded = append(loaded, Package{Definition: def, Hash: hash})
	}

	if err := r.lock.Lock(ctx); err != nil {
		return err
	}
	r.packages = loaded
	r.lock.Unlock()
	return nil
}

// Packages returns a copy of the enabled packages in load order.
func (r *Registry) Packages(ctx context.Context) ([]Package, error) {
	if err := r.lock.RLock(ctx); err != nil {
		return nil, err
	}
	defer r.lock.RUnlock()
	return append([]Package(nil), r.packages...), nil
}

// Manifest returns the enabled packages in the form sent to clients.
func (r *Registry) Manifest(ctx context.Context) ([]packets.ContentPackage, error) {
	pkgs, err := r.Packages(ctx)
	if err != nil {
		return nil, err
	}
	manifest := make([]packets.ContentPackage, 0, len(pkgs))
	for _, p := range pkgs {
		manifest = append(manifest, packets.ContentPackage{Name: p.Name, Hash: p.Hash, Version: p.Version})
	}
	return manifest, nil
}

// Hash computes the blake3 digest of a package. Files are visited in lexical
// order and each contributes its slash separated relative path, its length
// and its contents.
func Hash(def Definition) (string, error) {
	h := blake3.New(32, nil)
	writeField(h, []byte(def.Name))
	writeField(h, []byte(def.Version))

	if def.Path != "" {
		root := def.Path
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			return hashFile(h, filepath.ToSlash(rel), path)
		})
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(h io.Writer, rel, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	writeField(h, []byte(rel))
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(info.Size()))
	h.Write(size[:])
	_, err = io.Copy(h, f)
	return err
}

func writeField(h io.Writer, b []byte) {
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(b)))
	h.Write(size[:])
	h.Write(b)
}
