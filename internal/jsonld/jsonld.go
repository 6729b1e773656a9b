// Package jsonld computes URDNA2015-canonical hashes of JSON-LD documents,
// as required by RSA-Signature-2017 verification and signing.
//
// The normalizer takes a document loader as a capability. Production injects
// the allow-listed loader backed by pre-packaged context files; tests inject
// an in-memory loader. No network fetches ever happen during normalization.
package jsonld

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/piprate/json-gold/ld"
)

// ErrUnknownContext is returned when a document references a context IRI
// outside the allow-list.
var ErrUnknownContext = errors.New("unknown JSON-LD context")

// ContextIRIs is the closed set of context IRIs the gateway will resolve.
var ContextIRIs = []string{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

// AllowListLoader resolves context IRIs from an in-memory table populated at
// startup. Everything else fails with ErrUnknownContext.
type AllowListLoader struct {
	docs map[string]*ld.RemoteDocument
}

// NewAllowListLoader loads the pre-packaged contexts from dir. Each context
// lives in a file named after its URL-encoded IRI with a .jsonld suffix.
func NewAllowListLoader(dir string) (*AllowListLoader, error) {
	docs := make(map[string]*ld.RemoteDocument, len(ContextIRIs))
	for _, iri := range ContextIRIs {
		name := filepath.Join(dir, url.QueryEscape(iri)+".jsonld")
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read context %s: %w", iri, err)
		}
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse context %s: %w", iri, err)
		}
		docs[iri] = &ld.RemoteDocument{DocumentURL: iri, Document: doc}
	}
	return &AllowListLoader{docs: docs}, nil
}

// NewMemoryLoader builds a loader over the given IRI → parsed document table.
// Used by tests to keep normalization pure.
func NewMemoryLoader(docs map[string]interface{}) *AllowListLoader {
	table := make(map[string]*ld.RemoteDocument, len(docs))
	for iri, doc := range docs {
		table[iri] = &ld.RemoteDocument{DocumentURL: iri, Document: doc}
	}
	return &AllowListLoader{docs: table}
}

// LoadDocument implements ld.DocumentLoader.
func (l *AllowListLoader) LoadDocument(u string) (*ld.RemoteDocument, error) {
	if doc, ok := l.docs[u]; ok {
		return doc, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownContext, u)
}

// refusalLoader wraps a loader and records whether it refused a context IRI.
type refusalLoader struct {
	ld.DocumentLoader
	refused bool
}

func (l *refusalLoader) LoadDocument(u string) (*ld.RemoteDocument, error) {
	doc, err := l.DocumentLoader.LoadDocument(u)
	l.refused = l.refused || errors.Is(err, ErrUnknownContext)
	return doc, err
}

// Normalizer canonicalizes JSON-LD documents with URDNA2015.
type Normalizer struct {
	proc   *ld.JsonLdProcessor
	loader ld.DocumentLoader
}

// NewNormalizer builds a normalizer over the given loader capability.
func NewNormalizer(loader ld.DocumentLoader) *Normalizer {
	return &Normalizer{
		proc:   ld.NewJsonLdProcessor(),
		loader: loader,
	}
}

// NormalizeHash parses the serialized JSON document, normalizes the JSON-LD
// dataset it expresses with URDNA2015 and returns the lowercase hex SHA-256 of
// the resulting N-quads. Invariant under reordering of object properties.
func (n *Normalizer) NormalizeHash(document string) (string, error) {
	var parsed interface{}
	if err := json.Unmarshal([]byte(document), &parsed); err != nil {
		return "", fmt.Errorf("parse document: %w", err)
	}

	opts := ld.NewJsonLdOptions("")
	opts.Algorithm = ld.AlgorithmURDNA2015
	opts.Format = "application/n-quads"
	loader := &refusalLoader{DocumentLoader: n.loader}
	opts.DocumentLoader = loader

	normalized, err := n.proc.Normalize(parsed, opts)
	if err != nil {
		// json-gold replaces loader failures with its own error, so a refused
		// context is detected through the wrapping loader.
		if loader.refused || errors.Is(err, ErrUnknownContext) || strings.Contains(err.Error(), ErrUnknownContext.Error()) {
			return "", ErrUnknownContext
		}
		return "", fmt.Errorf("normalize: %w", err)
	}

	quads, ok := normalized.(string)
	if !ok {
		return "", fmt.Errorf("normalize: unexpected result type %T", normalized)
	}

	sum := sha256.Sum256([]byte(quads))
	return hex.EncodeToString(sum[:]), nil
}
