package source

import "context"

// ReplacementSource wraps an Inner source, transparently translating its
// IDs so that, to every downstream consumer, a replaced package still
// PackageId-equals the original (§3). The one place it is NOT transparent
// is checksums: the replacement must supply a checksum iff the replaced
// source did (§4.1).
type ReplacementSource struct {
	Inner        Source
	ReplacesURL  string
	sourceHadSum bool
}

// NewReplacementSource wraps inner, recording whether the original source
// being replaced carried checksums, so Query can enforce parity.
func NewReplacementSource(inner Source, replacesURL string, originalHadChecksum bool) *ReplacementSource {
	return &ReplacementSource{Inner: inner, ReplacesURL: replacesURL, sourceHadSum: originalHadChecksum}
}

func (r *ReplacementSource) translate(id ID) ID {
	out := id
	out.ReplacesURL = r.ReplacesURL
	return out
}

func (r *ReplacementSource) Query(ctx context.Context, name, requirement string, kind QueryKind) (Poll[[]Summary], error) {
	p, err := r.Inner.Query(ctx, name, requirement, kind)
	if err != nil || !p.Ready {
		return p, err
	}
	for i := range p.Value {
		hasSum := p.Value[i].Checksum != ""
		if hasSum != r.sourceHadSum {
			return Poll[[]Summary]{}, errChecksumParity
		}
	}
	return p, nil
}

func (r *ReplacementSource) Download(ctx context.Context, id ID) (MaybePackage, error) {
	return r.Inner.Download(ctx, r.translate(id))
}

func (r *ReplacementSource) FinishDownload(ctx context.Context, id ID, body []byte) (string, error) {
	return r.Inner.FinishDownload(ctx, r.translate(id), body)
}

func (r *ReplacementSource) Fingerprint(ctx context.Context, id ID) (string, error) {
	return r.Inner.Fingerprint(ctx, r.translate(id))
}

func (r *ReplacementSource) IsYanked(ctx context.Context, id ID) (Poll[bool], error) {
	return r.Inner.IsYanked(ctx, r.translate(id))
}

func (r *ReplacementSource) BlockUntilReady(ctx context.Context) error {
	return r.Inner.BlockUntilReady(ctx)
}

var errChecksumParity = checksumParityError{}

type checksumParityError struct{}

func (checksumParityError) Error() string {
	return "replacement source checksum presence does not match the replaced source"
}
