package profiles

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName  = "manifest.yaml"
	profilesTarPrefix = "profiles"
)

// ExportManifest is the signed metadata included in a profile export bundle.
type ExportManifest struct {
	Version          string          `yaml:"version"`
	CreatedAt        time.Time       `yaml:"created_at"`
	Signer           string          `yaml:"signer,omitempty"`
	SigningPublicKey string          `yaml:"signing_public_key,omitempty"`
	Signature        string          `yaml:"signature,omitempty"`
	Profiles         []ExportProfile `yaml:"profiles"`
}

// SigningBytes marshals the manifest without its signature for
// signing/verification.
func (m ExportManifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ExportProfile describes a single built .mobileconfig inside the bundle.
type ExportProfile struct {
	PolicyID    string `yaml:"policy_id"`
	DisplayName string `yaml:"display_name"`
	ObjectKey   string `yaml:"object_key"`
	ProfileUUID string `yaml:"profile_uuid"`
	Size        int64  `yaml:"size"`
	SHA256      string `yaml:"sha256"`
}

// ExportConfig configures bundle creation.
type ExportConfig struct {
	Policies []Policy
	Output   string
	Signer   *Signer
	Now      func() time.Time
	Stdout   io.Writer
}

// Export builds a .mobileconfig for every policy and writes them together
// with a signed YAML manifest into a tar.zst bundle. Operators use bundles
// to move a profile catalog between tenants without re-deriving policies.
func Export(ctx context.Context, cfg ExportConfig) (*ExportManifest, error) {
	if len(cfg.Policies) == 0 {
		return nil, errors.New("at least one policy is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type builtProfile struct {
		entry ExportProfile
		data  []byte
	}

	built := make([]builtProfile, 0, len(cfg.Policies))
	for _, policy := range cfg.Policies {
		doc, err := Build(policy)
		if err != nil {
			return nil, fmt.Errorf("build policy %q: %w", policy.ID, err)
		}
		sum := sha256.Sum256(doc.Bytes)
		built = append(built, builtProfile{
			entry: ExportProfile{
				PolicyID:    doc.PolicyID,
				DisplayName: doc.DisplayName,
				ObjectKey:   doc.ObjectKey(),
				ProfileUUID: doc.ProfileUUID.String(),
				Size:        int64(len(doc.Bytes)),
				SHA256:      hex.EncodeToString(sum[:]),
			},
			data: doc.Bytes,
		})
	}

	sort.Slice(built, func(i, j int) bool {
		return built[i].entry.PolicyID < built[j].entry.PolicyID
	})

	manifest := &ExportManifest{
		Version:          "1",
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
	}
	for _, b := range built {
		manifest.Profiles = append(manifest.Profiles, b.entry)
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	file, err := os.Create(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	now := cfg.Now().UTC()
	if err := writeTarFile(tw, manifestFileName, manifestBytes, now); err != nil {
		return nil, err
	}
	for _, b := range built {
		name := path.Join(profilesTarPrefix, b.entry.ObjectKey)
		if err := writeTarFile(tw, name, b.data, now); err != nil {
			return nil, err
		}
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d profiles)\n", cfg.Output, len(built))
	return manifest, nil
}

func writeTarFile(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write body for %q: %w", name, err)
	}
	return nil
}

// ImportConfig configures bundle import.
type ImportConfig struct {
	BundlePath string
	Store      *Store
	Signer     *Signer
	Stdout     io.Writer
}

// Import verifies a bundle's manifest signature and per-profile hashes, then
// publishes every .mobileconfig to the Profile Store under its recorded
// object key.
func Import(ctx context.Context, cfg ImportConfig) (*ExportManifest, error) {
	manifest, documents, err := ReadBundle(cfg.BundlePath, cfg.Signer)
	if err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		return nil, errors.New("profile store is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	for _, entry := range manifest.Profiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data := documents[entry.ObjectKey]
		doc := &ProfileDocument{
			Bytes:       data,
			ContentType: ContentType,
			PolicyID:    entry.PolicyID,
			DisplayName: entry.DisplayName,
		}
		if _, err := cfg.Store.Publish(ctx, doc, entry.ObjectKey); err != nil {
			return nil, fmt.Errorf("publish %q: %w", entry.ObjectKey, err)
		}
		fmt.Fprintf(cfg.Stdout, "published %s (%d bytes)\n", entry.ObjectKey, entry.Size)
	}

	return manifest, nil
}

// ReadBundle opens a bundle, verifies its signature and content hashes, and
// returns the manifest plus the profile bytes keyed by object key.
func ReadBundle(bundlePath string, signer *Signer) (*ExportManifest, map[string][]byte, error) {
	if bundlePath == "" {
		return nil, nil, errors.New("bundle file is required")
	}
	if signer == nil {
		return nil, nil, errors.New("signer is required")
	}

	file, err := os.Open(bundlePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open bundle: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		manifestBytes []byte
		documents     = map[string][]byte{}
	)

	tr := tar.NewReader(decoder)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if strings.Contains(name, "..") {
			return nil, nil, fmt.Errorf("invalid entry path %q", header.Name)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, fmt.Errorf("read %q: %w", name, err)
		}

		if name == manifestFileName {
			manifestBytes = data
			continue
		}
		if rest, ok := strings.CutPrefix(name, profilesTarPrefix+"/"); ok {
			documents[rest] = data
		}
	}

	if len(manifestBytes) == 0 {
		return nil, nil, errors.New("bundle missing manifest.yaml")
	}

	var manifest ExportManifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != "1" {
		return nil, nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, nil, errors.New("manifest missing signature")
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, nil, fmt.Errorf("verify manifest signature: %w", err)
	}

	for _, entry := range manifest.Profiles {
		data, ok := documents[entry.ObjectKey]
		if !ok {
			return nil, nil, fmt.Errorf("profile %q missing from archive", entry.ObjectKey)
		}
		if int64(len(data)) != entry.Size {
			return nil, nil, fmt.Errorf("size mismatch for %q: expected %d got %d", entry.ObjectKey, entry.Size, len(data))
		}
		sum := sha256.Sum256(data)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), entry.SHA256) {
			return nil, nil, fmt.Errorf("sha256 mismatch for %q", entry.ObjectKey)
		}
	}

	return &manifest, documents, nil
}
