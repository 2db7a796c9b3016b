// Package verifier drives signature verification alongside the streaming
// parser: it implements streamparser.Handler, assembling the deep-hash
// field tuple of the teacher library's getDataItemChunk /
// getDataItemChunkStreaming pair (with the actual signature type in place
// of its fixed "1", see DESIGN.md), hashing the payload
// incrementally as chunks arrive rather than buffering it, then offloads
// the final RSA/secp256k1/Ed25519 check onto a worker pool so CPU-bound
// crypto never blocks the goroutine feeding bytes off the wire.
package verifier

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/liteseed/turbo-upload-service/crypto"
	"github.com/liteseed/turbo-upload-service/streamparser"
	"github.com/liteseed/turbo-upload-service/tag"
)

// Result is the terminal verdict the owning state machine gates on.
type Result struct {
	DataItemID    string
	SignatureType int
	Owner         string
	Target        string
	Anchor        string
	Tags          []tag.Tag
	PayloadSize   int64
	Valid         bool
	Err           error
}

// Pool offloads the final signature check so a slow RSA-4096 verification
// never stalls the goroutine streaming bytes off the wire. One Pool is
// shared process-wide; its size bounds concurrent CPU-bound verification
// work independent of how many uploads are in flight.
type Pool struct {
	pool *ants.PoolWithFunc
}

type verifyJob struct {
	signatureType int
	owner         []byte
	signature     []byte
	digest        []byte
	done          chan error
}

// NewPool builds a worker pool of the given size for offloaded signature
// verification, mirroring the teacher library's own use of
// ants.NewPoolWithFunc for concurrent CPU-bound chunk work.
func NewPool(size int) (*Pool, error) {
	p := &Pool{}
	pool, err := ants.NewPoolWithFunc(size, func(arg interface{}) {
		job := arg.(*verifyJob)
		job.done <- crypto.VerifyByType(job.signatureType, job.owner, job.signature, job.digest)
	})
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return p, nil
}

// VerifyDigest offloads a single signature check onto the pool, for
// callers that already hold a computed deep-hash digest rather than
// driving the event-based Verifier. The upload state machines do not call
// it; they go through Verifier.
func (p *Pool) VerifyDigest(signatureType int, owner, signature, digest []byte) error {
	return p.verify(signatureType, owner, signature, digest)
}

func (p *Pool) verify(signatureType int, owner, signature, digest []byte) error {
	job := &verifyJob{signatureType: signatureType, owner: owner, signature: signature, digest: digest, done: make(chan error, 1)}
	if err := p.pool.Invoke(job); err != nil {
		return err
	}
	return <-job.done
}

// Release tears down the underlying worker pool on process shutdown.
func (p *Pool) Release() {
	p.pool.Release()
}

// HeaderInfo is everything a caller needs to make upload-level decisions
// (dedupe, balance check, sink construction) the moment a data item's
// header is fully parsed, well before its (possibly enormous) payload has
// arrived. RawHeader is the exact ANS-104 header byte sequence
// reconstructed from the parsed fields, for callers that must still
// persist the header bytes verbatim alongside the streamed payload.
type HeaderInfo struct {
	ID            string
	SignatureType int
	Signature     []byte
	Owner         []byte
	Target        []byte
	Anchor        []byte
	Tags          []tag.Tag
	RawHeader     []byte
}

// Verifier implements streamparser.Handler. Construct one per data item.
type Verifier struct {
	pool *Pool

	mu        sync.Mutex
	signature []byte
	owner     []byte
	target    []byte
	anchor    []byte
	tagsBytes []byte
	numTags   int

	payloadHasher interface {
		Write(p []byte) (int, error)
	}
	payloadSize int64

	signatureType int
	result        Result
	resultCh      chan Result
	once          sync.Once

	// HeaderReady, when set, fires exactly once as soon as every header
	// field is known (immediately before the first payload byte, if any,
	// is seen). A non-nil return aborts payload fan-out: DataSink stops
	// being called for the rest of this item, and the aborting error is
	// available via HeaderError.
	HeaderReady func(HeaderInfo) error
	// DataSink, when set, receives every payload chunk as it streams in,
	// alongside (not instead of) the incremental deep-hash accumulation —
	// the hook the upload state machine uses to fan payload bytes out to
	// durable sinks without ever buffering the whole item.
	DataSink func(chunk []byte) error

	headerErr error
}

// New constructs a Verifier whose final Result is delivered on the
// returned channel once parsing completes (either OnPayloadDone or
// OnError fires exactly once).
func New(pool *Pool) (*Verifier, <-chan Result) {
	ch := make(chan Result, 1)
	v := &Verifier{pool: pool, payloadHasher: sha512.New384(), resultCh: ch}
	return v, ch
}

// HeaderError returns the error HeaderReady returned, if any. Callers
// poll this after each Parser.Write to learn about a rejection decided
// mid-stream (duplicate id, insufficient balance) that the Handler
// interface itself has no way to signal synchronously.
func (v *Verifier) HeaderError() error {
	return v.headerErr
}

func (v *Verifier) OnSignatureType(signatureType int) {
	v.signatureType = signatureType
}

func (v *Verifier) OnSignature(raw []byte) {
	v.signature = append([]byte{}, raw...)
}

func (v *Verifier) OnOwner(raw []byte) {
	v.owner = append([]byte{}, raw...)
}

func (v *Verifier) OnTarget(raw []byte) {
	v.target = append([]byte{}, raw...)
}

func (v *Verifier) OnAnchor(raw []byte) {
	v.anchor = append([]byte{}, raw...)
}

func (v *Verifier) OnTagsBytes(raw []byte, numTags int) {
	v.tagsBytes = append([]byte{}, raw...)
	v.numTags = numTags

	if v.HeaderReady == nil {
		return
	}
	var tags []tag.Tag
	if len(v.tagsBytes) > 0 {
		if decoded, err := tag.FromAvro(v.tagsBytes); err == nil && decoded != nil {
			tags = *decoded
		}
	}
	info := HeaderInfo{
		ID:            crypto.Base64URLEncode(crypto.SHA256(v.signature)),
		SignatureType: v.signatureType,
		Signature:     v.signature,
		Owner:         v.owner,
		Target:        v.target,
		Anchor:        v.anchor,
		Tags:          tags,
		RawHeader:     v.rawHeader(),
	}
	v.headerErr = v.HeaderReady(info)
}

func (v *Verifier) OnData(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	v.payloadHasher.Write(chunk)
	v.payloadSize += int64(len(chunk))
	if v.headerErr == nil && v.DataSink != nil {
		if err := v.DataSink(chunk); err != nil {
			v.headerErr = err
		}
	}
}

// rawHeader reconstructs the exact ANS-104 header byte sequence (every
// field up to but not including the payload) from the already-parsed
// fields, so a caller that needs to persist the header verbatim
// alongside the streamed payload never has to buffer the original bytes
// itself — the header is bounded and small (at most a few KiB per
// spec.md's tag/signature limits) regardless of payload size.
func (v *Verifier) rawHeader() []byte {
	header := make([]byte, 0, 2+len(v.signature)+len(v.owner)+1+len(v.target)+1+len(v.anchor)+16+len(v.tagsBytes))
	header = binary.LittleEndian.AppendUint16(header, uint16(v.signatureType))
	header = append(header, v.signature...)
	header = append(header, v.owner...)

	if v.target != nil {
		header = append(header, 1)
		header = append(header, v.target...)
	} else {
		header = append(header, 0)
	}
	if v.anchor != nil {
		header = append(header, 1)
		header = append(header, v.anchor...)
	} else {
		header = append(header, 0)
	}

	header = binary.LittleEndian.AppendUint64(header, uint64(v.numTags))
	header = binary.LittleEndian.AppendUint64(header, uint64(len(v.tagsBytes)))
	header = append(header, v.tagsBytes...)
	return header
}

func (v *Verifier) OnPayloadDone(size int64) {
	v.once.Do(func() {
		digest := v.deepHash()
		id := crypto.Base64URLEncode(crypto.SHA256(v.signature))
		err := v.pool.verify(v.signatureType, v.owner, v.signature, digest)

		var tags []tag.Tag
		if len(v.tagsBytes) > 0 {
			decoded, tagErr := tag.FromAvro(v.tagsBytes)
			if tagErr != nil && err == nil {
				err = tagErr
			} else if decoded != nil {
				tags = *decoded
			}
		}

		v.resultCh <- Result{
			DataItemID:    id,
			SignatureType: v.signatureType,
			Owner:         crypto.Base64URLEncode(v.owner),
			Target:        crypto.Base64URLEncode(v.target),
			Anchor:        string(v.anchor),
			Tags:          tags,
			PayloadSize:   size,
			Valid:         err == nil,
			Err:           err,
		}
	})
}

func (v *Verifier) OnError(err error) {
	v.once.Do(func() {
		v.resultCh <- Result{Err: fmt.Errorf("verifier: parse error: %w", err)}
	})
}

// deepHash reproduces DeepHashMixed's tree construction but with the
// payload hash already accumulated incrementally rather than read from a
// seekable reader: 7 header chunks plus 1 streamed blob, list-tagged.
func (v *Verifier) deepHash() []byte {
	chunks := [][]byte{
		[]byte("dataitem"), []byte("1"), decimal(v.signatureType),
		v.owner, v.target, v.anchor, v.tagsBytes,
	}
	totalItems := len(chunks) + 1
	tagHash := sha512.Sum384(append([]byte("list"), []byte(fmt.Sprint(totalItems))...))
	acc := tagHash

	for _, c := range chunks {
		chunkHash := crypto.DeepHash(c)
		pair := append(acc[:], chunkHash[:]...)
		acc = sha512.Sum384(pair)
	}

	// Finish the streamed blob's own deep hash: blob tag over decimal
	// length, then the incrementally-accumulated SHA-384 of the payload.
	blobTag := sha512.Sum384(append([]byte("blob"), []byte(fmt.Sprint(v.payloadSize))...))
	dataHashed := v.payloadHasher.(interface{ Sum([]byte) []byte }).Sum(nil)
	streamHash := sha512.Sum384(append(blobTag[:], dataHashed...))

	pair := append(acc[:], streamHash[:]...)
	final := sha512.Sum384(pair)
	return final[:]
}

func decimal(n int) []byte {
	return []byte(fmt.Sprint(n))
}

var _ streamparser.Handler = (*Verifier)(nil)
