package upload

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/liteseed/turbo-upload-service/bundlequeue"
	"github.com/liteseed/turbo-upload-service/crypto"
	"github.com/liteseed/turbo-upload-service/fanout"
	"github.com/liteseed/turbo-upload-service/receipt"
	"github.com/liteseed/turbo-upload-service/servicecontext"
	"github.com/liteseed/turbo-upload-service/streamparser"
	"github.com/liteseed/turbo-upload-service/tag"
	"github.com/liteseed/turbo-upload-service/uploaderr"
	"github.com/liteseed/turbo-upload-service/verifier"
)

// deadlineBufferBlocks is added to the current Arweave block height to
// produce a receipt's DeadlineHeight, giving the bundler a window to
// include the data item before the receipt's guarantee lapses.
const deadlineBufferBlocks = 200

// streamReadChunk bounds how much of the inbound body Process ever holds
// at once. A data item's header is reconstructed losslessly by the
// verifier (it is protocol-bounded to a few KiB even for the largest
// signature scheme), but the payload that follows is handed to the fan-out
// sinks one chunk at a time and never accumulated here, however large it
// is — spec.md §1/§5's "never buffer a whole upload in memory".
const streamReadChunk = 256 * 1024

// Request is the inbound single-shot upload the state machine drives
// from Received through Receipt or Rejected.
type Request struct {
	ContentLength int64
	ContentType   string
	PaidBy        []string
	Body          io.Reader
}

// SingleShotMachine implements spec.md §4.5's full state graph.
type SingleShotMachine struct {
	ctx *servicecontext.Context
}

// NewSingleShotMachine builds a machine against the shared process
// context assembled once in main.
func NewSingleShotMachine(ctx *servicecontext.Context) *SingleShotMachine {
	return &SingleShotMachine{ctx: ctx}
}

// ingestState carries what HeaderReady decides (id, sinks, pricing) out
// to the rest of Process, since HeaderReady fires synchronously from
// inside Parser.Write, potentially several chunks into the body.
type ingestState struct {
	id            string
	signatureType int
	ownerAddress  string
	tags          []tag.Tag
	wincPrice     int64

	sinks        []fanout.Sink
	tee          *fanout.Tee
	inFlightHeld bool
}

// Process runs one upload through the state graph, returning a signed
// receipt on success or a typed *uploaderr.Error describing the
// rejection and the status it maps to.
func (m *SingleShotMachine) Process(req Request) (*receipt.Signed, error) {
	// Received
	if req.ContentLength > m.ctx.Config.MaxDataItemSize {
		return nil, uploaderr.TooLarge(fmt.Sprintf("content-length %d exceeds max %d", req.ContentLength, m.ctx.Config.MaxDataItemSize))
	}
	if req.ContentType != "application/octet-stream" {
		return nil, uploaderr.Validation("unexpected content-type", nil)
	}
	if req.ContentLength == m.ctx.Config.SpammerContentLen {
		return nil, uploaderr.Policy("content-length matches a known spam pattern", nil)
	}

	st := &ingestState{}
	v, resultCh := verifier.New(m.ctx.VerifierPool)
	v.HeaderReady = func(info verifier.HeaderInfo) error { return m.onHeaderReady(st, info, req) }
	v.DataSink = func(chunk []byte) error {
		if st.tee == nil {
			return nil
		}
		if _, err := st.tee.Write(chunk); err != nil {
			return uploaderr.Transient("sink write failed", err)
		}
		return nil
	}
	parser := streamparser.New(v)

	bail := func(err error) (*receipt.Signed, error) {
		if st.tee != nil {
			st.tee.Abort()
		}
		if st.inFlightHeld {
			m.quarantine(st.id)
		} else {
			m.ctx.Metrics.IncUploadsRejected()
		}
		return nil, err
	}

	// StreamingToSinks: feed the body through the parser in bounded
	// chunks. ParsedHeader fires onHeaderReady mid-stream once the
	// header is complete; every payload byte after that point lands in
	// v.DataSink (and therefore the fan-out tee) without ever being
	// copied into a buffer here.
	limited := io.LimitReader(req.Body, m.ctx.Config.MaxDataItemSize+1)
	buf := make([]byte, streamReadChunk)
	var totalRead int64
	for {
		n, rerr := limited.Read(buf)
		if n > 0 {
			totalRead += int64(n)
			if totalRead > m.ctx.Config.MaxDataItemSize {
				return bail(uploaderr.TooLarge("assembled item exceeds max size"))
			}
			if werr := parser.Write(buf[:n]); werr != nil {
				return bail(uploaderr.Parse("decoding data item header", werr))
			}
			if herr := v.HeaderError(); herr != nil {
				return bail(herr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return bail(uploaderr.Parse("reading request body", rerr))
		}
	}
	if err := parser.Close(); err != nil {
		return bail(uploaderr.Parse("decoding data item header", err))
	}
	if herr := v.HeaderError(); herr != nil {
		return bail(herr)
	}
	if st.tee == nil {
		return bail(uploaderr.Parse("data item header never completed", nil))
	}

	result := <-resultCh
	if result.Err != nil {
		return m.closeAndQuarantine(st, uploaderr.Validation("invalid signature", result.Err))
	}
	if !result.Valid {
		return m.closeAndQuarantine(st, uploaderr.Validation("signature verification failed", nil))
	}
	if isBlocklisted(st.ownerAddress, m.ctx.Config.BlocklistedAddresses) {
		return m.closeAndQuarantine(st, uploaderr.Policy("blocklisted address", nil))
	}
	if err := st.tee.Close(); err != nil {
		m.quarantine(st.id)
		return nil, uploaderr.Transient("finalizing sinks", err)
	}

	// BalanceReserved
	var reservationID string
	if !m.ctx.Config.SkipBalanceChecks {
		var err error
		reservationID, err = m.ctx.Payment.Reserve(st.ownerAddress, st.wincPrice)
		if err != nil {
			m.cacheCleanup(st.id)
			return nil, err
		}
	}
	refund := func() {
		if reservationID != "" {
			_ = m.ctx.Payment.Refund(reservationID, st.wincPrice)
		}
	}

	// Signed
	wallet, err := m.ctx.ServiceWallet()
	if err != nil {
		refund()
		m.quarantine(st.id)
		return nil, uploaderr.Transient("loading service wallet", err)
	}

	now := time.Now()
	deadlineHeight := int64(0)
	if height, err := m.ctx.Gateway.CurrentHeight(context.Background()); err == nil {
		deadlineHeight = height + deadlineBufferBlocks
	} else {
		m.ctx.Logger.Warn("failed to fetch current block height for receipt deadline", "err", err)
	}
	unsigned := receipt.Unsigned{
		Version:        "1.0.0",
		ID:             st.id,
		DeadlineHeight: deadlineHeight,
		Timestamp:      now.Unix(),
	}
	version := receipt.VersionHistorical
	if m.ctx.Config.ReceiptVersion == string(receipt.VersionV02) {
		version = receipt.VersionV02
	}
	signed, err := receipt.Sign(wallet, version, unsigned)
	if err != nil {
		refund()
		m.quarantine(st.id)
		return nil, uploaderr.Transient("signing receipt", err)
	}

	if objectStore, ok := findObjectStoreSink(st.sinks); ok {
		exists, err := objectStore.HeadExists()
		if err != nil || !exists {
			refund()
			m.quarantine(st.id)
			return nil, uploaderr.Transient("object store head check failed", err)
		}
	}

	// Enqueued — soft, failures never fail the upload.
	m.enqueueSoft(bundlequeue.Job{Kind: bundlequeue.JobNewDataItem, DataItemID: st.id})
	if m.ctx.Config.OpticalBridging {
		m.enqueueSoft(bundlequeue.Job{Kind: bundlequeue.JobOptical, DataItemID: st.id})
	}
	m.enqueueSoft(bundlequeue.Job{Kind: bundlequeue.JobUnbundleBDI, DataItemID: st.id})

	// Receipt
	m.ctx.InFlight.Release(st.id)
	m.deleteRecord(st.id)
	m.ctx.Metrics.IncUploadsAccepted()
	return signed, nil
}

// onHeaderReady runs the moment a data item's header is fully parsed:
// dedupe, tag validation, the balance pre-check, and sink construction —
// everything that can reject an upload before a single payload byte has
// to be streamed anywhere.
func (m *SingleShotMachine) onHeaderReady(st *ingestState, info verifier.HeaderInfo, req Request) error {
	if !m.ctx.InFlight.TryAcquire(info.ID) {
		return uploaderr.Duplicate("upload already in progress for this data item id")
	}
	st.id = info.ID
	st.inFlightHeld = true
	st.signatureType = info.SignatureType
	st.tags = info.Tags

	if err := tag.Validate(info.Tags); err != nil {
		return uploaderr.Validation("invalid tags", err)
	}

	st.ownerAddress = crypto.Base64URLEncode(crypto.SHA256(info.Owner))
	st.wincPrice = assessWincPrice(req.ContentLength)

	m.persistRecord(Record{
		DataItemID:         info.ID,
		OwnerNativeAddress: st.ownerAddress,
		SignatureType:      info.SignatureType,
		Signature:          crypto.Base64URLEncode(info.Signature),
		Tags:               info.Tags,
		PayloadContentType: req.ContentType,
		PayloadDataStart:   int64(len(info.RawHeader)),
		ByteCount:          req.ContentLength,
		UploadedTimestamp:  time.Now(),
		AssessedWincPrice:  st.wincPrice,
	})

	// BalancePreChecked
	if !m.ctx.Config.SkipBalanceChecks {
		sufficient, err := m.ctx.Payment.Check(st.ownerAddress, st.wincPrice)
		if err != nil {
			return err // already a *uploaderr.Error (Transient)
		}
		if !sufficient {
			return uploaderr.Capacity("insufficient balance", nil)
		}
	}

	sinks, err := m.buildSinks(info.ID, int64(len(info.RawHeader)), req.ContentLength, req.ContentType, info.Tags)
	if err != nil {
		return uploaderr.Transient("no durable sink available", err)
	}
	tee, err := fanout.New(sinks...)
	if err != nil {
		return uploaderr.Transient("constructing fan-out", err)
	}
	if _, err := tee.Write(info.RawHeader); err != nil {
		tee.Abort()
		return uploaderr.Transient("sink write failed", err)
	}

	st.sinks = sinks
	st.tee = tee
	return nil
}

func (m *SingleShotMachine) enqueueSoft(job bundlequeue.Job) {
	if err := m.ctx.BundleQueue.Enqueue(job); err != nil {
		m.ctx.Metrics.IncSoftEnqueueFailures()
		m.ctx.Logger.Warn("soft enqueue failed", "kind", job.Kind, "dataItemId", job.DataItemID, "err", err)
	}
}

// closeAndQuarantine finalizes the already-streamed sinks (so the
// rejected artifact is preserved for forensics) before quarantining it;
// a Close failure is swallowed in favor of surfacing the original
// rejection reason, matching quarantine's own best-effort cleanup.
func (m *SingleShotMachine) closeAndQuarantine(st *ingestState, rejection error) (*receipt.Signed, error) {
	_ = st.tee.Close()
	m.quarantine(st.id)
	return nil, rejection
}

func (m *SingleShotMachine) quarantine(id string) {
	m.ctx.InFlight.Release(id)
	m.ctx.Metrics.IncUploadsRejected()
	if err := fanout.Quarantine(m.ctx.Config.EFSMountPoint, id); err != nil {
		m.ctx.Logger.Error("quarantine failed", "dataItemId", id, "err", err)
	}
	if m.ctx.DB != nil {
		if err := fanout.QuarantineRow(m.ctx.DB, id); err != nil {
			m.ctx.Logger.Error("quarantining inline row failed", "dataItemId", id, "err", err)
		}
	}
	m.deleteRecord(id)
}

func (m *SingleShotMachine) cacheCleanup(id string) {
	m.ctx.InFlight.Release(id)
	m.ctx.Metrics.IncUploadsRejected()
	m.deleteRecord(id)
}

// persistRecord writes the in-flight upload record (spec.md §3), created
// on the first byte received. The DB is optional; when unconfigured the
// in-memory InFlight set is the only dedupe tracking available.
func (m *SingleShotMachine) persistRecord(r Record) {
	if m.ctx.DB == nil {
		return
	}
	if err := m.ctx.DB.Save(&r).Error; err != nil {
		m.ctx.Logger.Warn("recording in-flight upload failed", "dataItemId", r.DataItemID, "err", err)
	}
}

// deleteRecord removes the in-flight upload record once a signed receipt
// is emitted or quarantine completes.
func (m *SingleShotMachine) deleteRecord(id string) {
	if m.ctx.DB == nil {
		return
	}
	if err := m.ctx.DB.Delete(&Record{}, "data_item_id = ?", id).Error; err != nil {
		m.ctx.Logger.Warn("deleting in-flight upload record failed", "dataItemId", id, "err", err)
	}
}

// assessWincPrice is a placeholder pricing function; real pricing is
// policy owned by the payment service and out of scope here (spec.md §1
// Non-goals: "payment policy arbitration").
func assessWincPrice(byteCount int64) int64 {
	return byteCount
}

// isBlocklisted rejects uploads from an operator-configured address list
// (spec.md §7/§4.5 Policy errors: "blocklisted-address rejection").
func isBlocklisted(nativeAddress string, blocklist []string) bool {
	for _, addr := range blocklist {
		if strings.EqualFold(addr, nativeAddress) {
			return true
		}
	}
	return false
}

func findObjectStoreSink(sinks []fanout.Sink) (*fanout.ObjectStoreSink, bool) {
	for _, s := range sinks {
		if objStore, ok := s.(*fanout.ObjectStoreSink); ok {
			return objStore, true
		}
	}
	return nil, false
}
