package profiles

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	seed := bytes.Repeat([]byte{0x42}, 32)
	signer, err := NewSignerFromSeed(seed)
	if err != nil {
		t.Fatalf("NewSignerFromSeed() error = %v", err)
	}
	return signer
}

func TestExportReadBundleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "profiles.tar.zst")
	signer := testSigner(t)

	policies := []Policy{
		{
			ID:          "adult-block",
			DisplayName: "CleanBrowsing Adult Filter",
			DNSMode:     DNSModeDoH,
			DoHURL:      "https://doh.cleanbrowsing.org/doh/adult-filter/",
		},
		{
			ID:           "family-plain",
			DisplayName:  "CleanBrowsing Family Filter",
			DNSMode:      DNSModePlain,
			PlainServers: []string{"185.228.168.168"},
		},
	}

	manifest, err := Export(context.Background(), ExportConfig{
		Policies: policies,
		Output:   output,
		Signer:   signer,
		Now:      func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
		Stdout:   io.Discard,
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(manifest.Profiles) != 2 {
		t.Fatalf("manifest profiles = %d, want 2", len(manifest.Profiles))
	}
	if manifest.Profiles[0].PolicyID != "adult-block" {
		t.Fatalf("manifest not sorted by policy id: %v", manifest.Profiles)
	}
	if manifest.Signature == "" {
		t.Fatal("manifest is unsigned")
	}

	readBack, documents, err := ReadBundle(output, signer)
	if err != nil {
		t.Fatalf("ReadBundle() error = %v", err)
	}
	if len(documents) != 2 {
		t.Fatalf("documents = %d, want 2", len(documents))
	}
	for _, entry := range readBack.Profiles {
		data, ok := documents[entry.ObjectKey]
		if !ok {
			t.Fatalf("missing document for %q", entry.ObjectKey)
		}
		if int64(len(data)) != entry.Size {
			t.Fatalf("size mismatch for %q", entry.ObjectKey)
		}
		p := parseDocument(t, data)
		if p.PayloadType != "Configuration" {
			t.Fatalf("bundled document %q is not a configuration profile", entry.ObjectKey)
		}
	}
}

func TestReadBundleRejectsWrongKey(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "profiles.tar.zst")

	_, err := Export(context.Background(), ExportConfig{
		Policies: []Policy{{
			ID:          "adult-block",
			DisplayName: "CleanBrowsing Adult Filter",
			DNSMode:     DNSModeDoH,
			DoHURL:      "https://doh.cleanbrowsing.org/doh/adult-filter/",
		}},
		Output: output,
		Signer: testSigner(t),
		Stdout: io.Discard,
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	other, err := NewSignerFromSeed(bytes.Repeat([]byte{0x07}, 32))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadBundle(output, other); err == nil {
		t.Fatal("ReadBundle() accepted a bundle signed by a different key")
	}
}

func TestExportRequiresPolicies(t *testing.T) {
	_, err := Export(context.Background(), ExportConfig{
		Output: "out.tar.zst",
		Signer: testSigner(t),
	})
	if err == nil {
		t.Fatal("Export() accepted an empty policy list")
	}
}
