package relay

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmylchreest/vodproxy/internal/signing"
)

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// ManifestRewriter signs the references inside HLS manifests.
type ManifestRewriter struct {
	signer  *signing.Signer
	maxSize int64
}

// NewManifestRewriter creates a rewriter. A maxSize of zero or less uses
// DefaultMaxManifestSize.
func NewManifestRewriter(signer *signing.Signer, maxSize int64) *ManifestRewriter {
	if maxSize <= 0 {
		maxSize = DefaultMaxManifestSize
	}
	return &ManifestRewriter{signer: signer, maxSize: maxSize}
}

// IsManifest reports whether name is an HLS playlist.
func IsManifest(name string) bool {
	return strings.EqualFold(path.Ext(name), ".m3u8")
}

// Rewrite reads the manifest served at manifestPath from r and replaces every
// relative URI line and URI="..." attribute with a signed proxy path that
// expires at expiresAt. References that are absolute, or that resolve outside
// the manifest's directory, are left untouched.
func (m *ManifestRewriter) Rewrite(r io.Reader, manifestPath string, expiresAt int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, m.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	if int64(len(data)) > m.maxSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrManifestTooLarge, m.maxSize)
	}

	baseDir := path.Dir(manifestPath)
	lines := bytes.SplitAfter(data, []byte("\n"))

	var out bytes.Buffer
	out.Grow(len(data) + len(lines)*96)
	for _, raw := range lines {
		line := string(raw)
		body := strings.TrimRight(line, "\r\n")
		eol := line[len(body):]

		trimmed := strings.TrimSpace(body)
		switch {
		case trimmed == "":
			out.WriteString(line)
		case strings.HasPrefix(trimmed, "#"):
			out.WriteString(uriAttr.ReplaceAllStringFunc(body, func(attr string) string {
				ref := uriAttr.FindStringSubmatch(attr)[1]
				return `URI="` + m.signRef(baseDir, ref, expiresAt) + `"`
			}))
			out.WriteString(eol)
		default:
			out.WriteString(m.signRef(baseDir, trimmed, expiresAt))
			out.WriteString(eol)
		}
	}
	return out.Bytes(), nil
}

func (m *ManifestRewriter) signRef(baseDir, ref string, expiresAt int64) string {
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() || u.Host != "" || u.Path == "" || strings.HasPrefix(u.Path, "/") {
		return ref
	}

	resolved := path.Join(baseDir, u.Path)
	if !strings.HasPrefix(resolved, strings.TrimSuffix(baseDir, "/")+"/") {
		return ref
	}

	signed := m.signer.SignUntil(resolved, expiresAt)
	q := u.Query()
	q.Set(signing.ParamExpires, strconv.FormatInt(signed.ExpiresAt, 10))
	q.Set(signing.ParamSignature, signed.Signature)
	return resolved + "?" + q.Encode()
}
