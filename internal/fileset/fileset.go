// Package fileset parses the bucket-naming and object-naming conventions
// the matcher relies on (spec §3 "Object identifier", §6 "Bucket naming",
// "Object naming") and models the per-project, per-platform required file
// sets ("fileset_spec", spec §3 "Submission record").
//
// This generalises the single hard-coded CSV/FASTA/BAM triplet the original
// triplet_matcher.py script matched to the arbitrary per-project,
// per-platform extension sets (paired Illumina fastq, ONT fastq, BAM,
// CSV+FASTA) pathsafe_ingest.py already handles for multiple platforms.
package fileset

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Sentinel errors for parse failures. These are User-classified errors
// (spec §7): malformed names are reported to the submitter and the
// triggering event is acknowledged, never retried.
var (
	// ErrMalformedBucket indicates a bucket name that doesn't split into
	// exactly four `-`-separated components.
	ErrMalformedBucket = errors.New("bucket name does not conform to <project>-<site>-<platform>-<env>")

	// ErrMalformedKey indicates an object key that doesn't split into
	// exactly five `.`-separated components.
	ErrMalformedKey = errors.New("object key does not conform to <project>.<sample_id>.<run_id>.<platform>.<ext>")

	// ErrInvalidEnv indicates an env component outside {prod, test}.
	ErrInvalidEnv = errors.New("env must be 'prod' or 'test'")

	// ErrIdentifierCharset indicates sample_id or run_id contains characters
	// outside [A-Za-z0-9_-] (spec §6 "Object naming").
	ErrIdentifierCharset = errors.New("identifier must match ^[A-Za-z0-9_-]+$")

	// ErrBucketKeyMismatch indicates the project/platform parsed from the
	// bucket disagree with those parsed from the key (spec §4.1 "Parsing":
	// "fatal parse error for that event").
	ErrBucketKeyMismatch = errors.New("project/platform in bucket does not match project/platform in key")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const (
	bucketParts = 4
	keyParts    = 5

	// EnvProd and EnvTest are the only recognised environment suffixes.
	EnvProd = "prod"
	EnvTest = "test"
)

type (
	// Bucket holds the parsed components of an ingest bucket name
	// `<project>-<site>-<platform>-<env>` (spec §3, §6).
	Bucket struct {
		Project  string
		Site     string
		Platform string
		Env      string
	}

	// ObjectKey holds the parsed components of an object key
	// `<project>.<sample_id>.<run_id>.<platform>.<ext>` (spec §3, §6).
	ObjectKey struct {
		Project  string
		SampleID string
		RunID    string
		Platform string
		Ext      string
	}

	// Identity is the full set of identity fields a submission's files must
	// agree on (spec §3 invariant 2, §4.1 "fail the event if ... disagree").
	Identity struct {
		Project  string
		SampleID string
		RunID    string
		Platform string
		Site     string
		Env      string
	}

	// Spec describes the required file set for one (project, platform) pair
	// ("configs.<project>.file_specs.<platform>.files", spec §6
	// "Configuration").
	Spec struct {
		Required []string
	}
)

// ParseBucket splits a bucket name into its four components.
func ParseBucket(bucket string) (Bucket, error) {
	parts := strings.Split(bucket, "-")
	if len(parts) != bucketParts {
		return Bucket{}, fmt.Errorf("%w: %q", ErrMalformedBucket, bucket)
	}

	env := parts[3]
	if env != EnvProd && env != EnvTest {
		return Bucket{}, fmt.Errorf("%w: %q", ErrInvalidEnv, env)
	}

	return Bucket{
		Project:  parts[0],
		Site:     parts[1],
		Platform: parts[2],
		Env:      env,
	}, nil
}

// ParseObjectKey splits an object key into its five components and
// validates the sample_id/run_id character policy (spec §6 "Object
// naming").
func ParseObjectKey(key string) (ObjectKey, error) {
	parts := strings.Split(key, ".")
	if len(parts) != keyParts {
		return ObjectKey{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}

	ok := ObjectKey{
		Project:  parts[0],
		SampleID: parts[1],
		RunID:    parts[2],
		Platform: parts[3],
		Ext:      parts[4],
	}

	if !identifierPattern.MatchString(ok.SampleID) {
		return ObjectKey{}, fmt.Errorf("%w: sample_id %q", ErrIdentifierCharset, ok.SampleID)
	}

	if !identifierPattern.MatchString(ok.RunID) {
		return ObjectKey{}, fmt.Errorf("%w: run_id %q", ErrIdentifierCharset, ok.RunID)
	}

	return ok, nil
}

// ArtifactKey returns the `<project>.<sample_id>.<run_id>` identity under
// which the matcher correlates files (spec §3 "artifact key").
func (ok ObjectKey) ArtifactKey() string {
	return ok.Project + "." + ok.SampleID + "." + ok.RunID
}

// Resolve parses a (bucket, key) pair into a single Identity, enforcing
// that project and platform agree between the two (spec §4.1 "A mismatch
// between the project/platform in the bucket and in the key is a fatal
// parse error for that event").
func Resolve(bucket, key string) (Identity, ObjectKey, error) {
	b, err := ParseBucket(bucket)
	if err != nil {
		return Identity{}, ObjectKey{}, err
	}

	k, err := ParseObjectKey(key)
	if err != nil {
		return Identity{}, ObjectKey{}, err
	}

	if b.Project != k.Project || b.Platform != k.Platform {
		return Identity{}, ObjectKey{}, fmt.Errorf(
			"%w: bucket=%s/%s key=%s/%s", ErrBucketKeyMismatch, b.Project, b.Platform, k.Project, k.Platform,
		)
	}

	return Identity{
		Project:  b.Project,
		SampleID: k.SampleID,
		RunID:    k.RunID,
		Platform: b.Platform,
		Site:     b.Site,
		Env:      b.Env,
	}, k, nil
}

// Agrees reports whether two identities describe the same submission
// (spec §3 invariant 2).
func (id Identity) Agrees(other Identity) bool {
	return id == other
}

// Complete reports whether the observed extension set satisfies the spec's
// required set exactly, ignoring order (spec §3 invariant 2, §8 "the union
// of files[ext].etag equals exactly the file set required").
func (s Spec) Complete(observed map[string]string) bool {
	if len(observed) != len(s.Required) {
		return false
	}

	for _, ext := range s.Required {
		if _, ok := observed[ext]; !ok {
			return false
		}
	}

	return true
}
