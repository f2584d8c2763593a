package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"

	"github.com/infomesh/node/pkg/crawler"
	"github.com/infomesh/node/pkg/credit"
	"github.com/infomesh/node/pkg/creditsync"
	"github.com/infomesh/node/pkg/discovery"
	"github.com/infomesh/node/pkg/hashcodec"
	"github.com/infomesh/node/pkg/replication"
	"github.com/infomesh/node/pkg/router"
	"github.com/infomesh/node/pkg/wire"
)

type searchRequestPayload struct {
	PeerID    string   `msgpack:"peer_id"`
	Query     string   `msgpack:"query"`
	Keywords  []string `msgpack:"keywords"`
	Limit     int      `msgpack:"limit"`
	RequestID string   `msgpack:"request_id"`
}

type searchResultPayload struct {
	URL     string  `msgpack:"url"`
	Title   string  `msgpack:"title"`
	Snippet string  `msgpack:"snippet"`
	Score   float64 `msgpack:"score"`
	PeerID  string  `msgpack:"peer_id"`
	DocID   int64   `msgpack:"doc_id"`
}

type searchResponsePayload struct {
	RequestID string                `msgpack:"request_id"`
	PeerID    string                `msgpack:"peer_id"`
	Results   []searchResultPayload `msgpack:"results"`
}

type indexSubmitPayload struct {
	PeerID          string   `msgpack:"peer_id"`
	URL             string   `msgpack:"url"`
	Title           string   `msgpack:"title"`
	Text            string   `msgpack:"text"`
	Language        string   `msgpack:"language"`
	RawHTMLHash     string   `msgpack:"raw_html_hash"`
	TextHash        string   `msgpack:"text_hash"`
	DiscoveredLinks []string `msgpack:"discovered_links"`
}

type indexSubmitAckPayload struct {
	Accepted bool   `msgpack:"accepted"`
	Error    string `msgpack:"error"`
}

type replicatePayload struct {
	DocID        int64  `msgpack:"doc_id"`
	URL          string `msgpack:"url"`
	Title        string `msgpack:"title"`
	Text         string `msgpack:"text"`
	TextHash     string `msgpack:"text_hash"`
	Language     string `msgpack:"language"`
	SourcePeerID string `msgpack:"source_peer_id"`
	ReplicaIndex int    `msgpack:"replica_index"`
}

type replicateAckPayload struct {
	Stored bool `msgpack:"stored"`
}

// pingPayload doubles as InfoMesh's peer-admission handshake: alongside
// the ping/pong itself it carries the sender's public key and PoW nonce
// so the receiver can run sybil.Validator.ValidatePeer before trusting
// the peer id enough to add it to its directory, per spec §4.14.
type pingPayload struct {
	PeerID    string `msgpack:"peer_id"`
	PublicKey []byte `msgpack:"public_key,omitempty"`
	PowNonce  uint64 `msgpack:"pow_nonce,omitempty"`
}

func (t *Host) readEnvelope(s network.Stream, deadline time.Duration, v any) (wire.MessageType, error) {
	s.SetDeadline(time.Now().Add(deadline))
	data, err := hashcodec.ReadFrame(s)
	if err != nil {
		return 0, fmt.Errorf("transport: read frame: %w", err)
	}
	if t.throttle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), deadline)
		err := t.throttle.AcquireDownload(ctx, len(data))
		cancel()
		if err != nil {
			return 0, fmt.Errorf("transport: download throttle: %w", err)
		}
	}
	return decodeEnvelope(data, v)
}

// readEnvelopeMap is readEnvelope without a known destination type,
// for protocols (credit sync) that multiplex more than one payload
// shape over a single stream and must branch on the message type
// before decoding.
func (t *Host) readEnvelopeMap(s network.Stream, deadline time.Duration) (wire.MessageType, map[string]any, error) {
	s.SetDeadline(time.Now().Add(deadline))
	data, err := hashcodec.ReadFrame(s)
	if err != nil {
		return 0, nil, fmt.Errorf("transport: read frame: %w", err)
	}
	if t.throttle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), deadline)
		err := t.throttle.AcquireDownload(ctx, len(data))
		cancel()
		if err != nil {
			return 0, nil, fmt.Errorf("transport: download throttle: %w", err)
		}
	}
	var env wire.Envelope
	if err := hashcodec.MsgpackDecode(data, &env); err != nil {
		return 0, nil, fmt.Errorf("transport: decode envelope: %w", err)
	}
	if err := wire.CheckLimits(env.Payload); err != nil {
		return 0, nil, err
	}
	return env.Type, env.Payload, nil
}

func (t *Host) writeEnvelope(s network.Stream, deadline time.Duration, msgType wire.MessageType, v any) error {
	s.SetDeadline(time.Now().Add(deadline))
	body, err := encodeEnvelope(msgType, v)
	if err != nil {
		return err
	}
	if t.throttle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), deadline)
		err := t.throttle.AcquireUpload(ctx, len(body))
		cancel()
		if err != nil {
			return fmt.Errorf("transport: upload throttle: %w", err)
		}
	}
	if err := hashcodec.WriteFrame(s, body); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

// SearchPeer implements router.PeerSearcher by opening a search stream
// to peerID, sending req, and decoding its SearchResponse.
func (t *Host) SearchPeer(ctx context.Context, peerID string, req router.SearchRequest) ([]router.RemoteSearchResult, error) {
	s, err := t.openStream(ctx, peerID, protocol.ID(wire.ProtocolSearch))
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := t.writeEnvelope(s, StreamTimeout, wire.MsgSearchRequest, searchRequestPayload{
		PeerID: t.peerID, Query: req.Query, Keywords: req.Keywords, Limit: req.Limit, RequestID: req.RequestID,
	}); err != nil {
		return nil, err
	}

	var resp searchResponsePayload
	if _, err := t.readEnvelope(s, StreamTimeout, &resp); err != nil {
		return nil, err
	}
	out := make([]router.RemoteSearchResult, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = router.RemoteSearchResult{URL: r.URL, Title: r.Title, Snippet: r.Snippet, Score: r.Score, PeerID: r.PeerID, DocID: r.DocID}
	}
	return out, nil
}

func (t *Host) handleSearch(s network.Stream) {
	defer s.Close()
	var req searchRequestPayload
	if _, err := t.readEnvelope(s, StreamTimeout, &req); err != nil {
		logrus.WithField("error", err).Debug("transport: search request read failed")
		return
	}
	t.rememberPeer(s, req.PeerID)

	var resp router.SearchResponse
	if t.search != nil {
		resp = t.search(context.Background(), router.SearchRequest{Query: req.Query, Keywords: req.Keywords, Limit: req.Limit, RequestID: req.RequestID})
	}
	results := make([]searchResultPayload, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = searchResultPayload{URL: r.URL, Title: r.Title, Snippet: r.Snippet, Score: r.Score, PeerID: r.PeerID, DocID: r.DocID}
	}
	if err := t.writeEnvelope(s, StreamTimeout, wire.MsgSearchResponse, searchResponsePayload{
		RequestID: resp.RequestID, PeerID: t.peerID, Results: results,
	}); err != nil {
		logrus.WithField("error", err).Debug("transport: search response write failed")
	}
}

// SendPage implements node's IndexSubmitSender, forwarding a crawled
// page to every configured index-submit peer and returning how many
// acknowledged acceptance.
func (t *Host) SendPage(ctx context.Context, page *crawler.ParsedPage, discoveredLinks []string) (int, error) {
	t.mu.RLock()
	targets := append([]string(nil), t.indexSubmitPeers...)
	t.mu.RUnlock()

	acked := 0
	for _, pid := range targets {
		if t.sendPageTo(ctx, pid, page, discoveredLinks) {
			acked++
		}
	}
	if acked == 0 && len(targets) > 0 {
		return 0, fmt.Errorf("transport: no index-submit peer acknowledged page %s", page.URL)
	}
	return acked, nil
}

func (t *Host) sendPageTo(ctx context.Context, peerID string, page *crawler.ParsedPage, discoveredLinks []string) bool {
	s, err := t.openStream(ctx, peerID, protocol.ID(wire.ProtocolIndexSubmit))
	if err != nil {
		logrus.WithFields(logrus.Fields{"peer_id": peerID, "error": err}).Debug("transport: index submit dial failed")
		return false
	}
	defer s.Close()

	if err := t.writeEnvelope(s, StreamTimeout, wire.MsgIndexSubmit, indexSubmitPayload{
		PeerID: t.peerID, URL: page.URL, Title: page.Title, Text: page.Text, Language: page.Language,
		RawHTMLHash: page.RawHTMLHash, TextHash: page.TextHash, DiscoveredLinks: discoveredLinks,
	}); err != nil {
		return false
	}
	var ack indexSubmitAckPayload
	if _, err := t.readEnvelope(s, StreamTimeout, &ack); err != nil {
		return false
	}
	return ack.Accepted
}

func (t *Host) handleIndexSubmit(s network.Stream) {
	defer s.Close()
	var req indexSubmitPayload
	if _, err := t.readEnvelope(s, StreamTimeout, &req); err != nil {
		logrus.WithField("error", err).Debug("transport: index submit request read failed")
		return
	}
	t.rememberPeer(s, req.PeerID)

	ack := indexSubmitAckPayload{Accepted: true}
	if t.indexSubmit != nil {
		page := &crawler.ParsedPage{
			URL: req.URL, Title: req.Title, Text: req.Text, Language: req.Language,
			RawHTMLHash: req.RawHTMLHash, TextHash: req.TextHash,
		}
		if err := t.indexSubmit(req.PeerID, page, req.DiscoveredLinks); err != nil {
			ack.Accepted = false
			ack.Error = err.Error()
		}
	}
	if err := t.writeEnvelope(s, StreamTimeout, wire.MsgIndexSubmitAck, ack); err != nil {
		logrus.WithField("error", err).Debug("transport: index submit ack write failed")
	}
}

// SendReplicateRequest implements replication.ReplicaSender.
func (t *Host) SendReplicateRequest(ctx context.Context, peerID string, req replication.Request) (bool, error) {
	s, err := t.openStream(ctx, peerID, protocol.ID(wire.ProtocolReplicate))
	if err != nil {
		return false, err
	}
	defer s.Close()

	if err := t.writeEnvelope(s, StreamTimeout, wire.MsgReplicateRequest, replicatePayload{
		DocID: req.DocID, URL: req.URL, Title: req.Title, Text: req.Text, TextHash: req.TextHash,
		Language: req.Language, SourcePeerID: req.SourcePeerID, ReplicaIndex: req.ReplicaIndex,
	}); err != nil {
		return false, err
	}
	var ack replicateAckPayload
	if _, err := t.readEnvelope(s, StreamTimeout, &ack); err != nil {
		return false, err
	}
	return ack.Stored, nil
}

func (t *Host) handleReplicate(s network.Stream) {
	defer s.Close()
	var req replicatePayload
	if _, err := t.readEnvelope(s, StreamTimeout, &req); err != nil {
		logrus.WithField("error", err).Debug("transport: replicate request read failed")
		return
	}
	t.rememberPeer(s, req.SourcePeerID)

	stored := false
	if t.replicate != nil {
		stored = t.replicate(context.Background(), replication.Request{
			DocID: req.DocID, URL: req.URL, Title: req.Title, Text: req.Text, TextHash: req.TextHash,
			Language: req.Language, SourcePeerID: req.SourcePeerID, ReplicaIndex: req.ReplicaIndex,
		})
	}
	if err := t.writeEnvelope(s, StreamTimeout, wire.MsgReplicateResponse, replicateAckPayload{Stored: stored}); err != nil {
		logrus.WithField("error", err).Debug("transport: replicate ack write failed")
	}
}

// SendPexRequest opens a PEX stream to peerID and returns its response.
func (t *Host) SendPexRequest(ctx context.Context, peerID string, req discovery.PexRequest) (discovery.PexResponse, error) {
	s, err := t.openStream(ctx, peerID, protocol.ID(wire.ProtocolPex))
	if err != nil {
		return discovery.PexResponse{}, err
	}
	defer s.Close()

	if err := t.writeEnvelope(s, StreamTimeout, wire.MsgPexRequest, req); err != nil {
		return discovery.PexResponse{}, err
	}
	var resp discovery.PexResponse
	if _, err := t.readEnvelope(s, StreamTimeout, &resp); err != nil {
		return discovery.PexResponse{}, err
	}
	return resp, nil
}

func (t *Host) handlePex(s network.Stream) {
	defer s.Close()
	var req discovery.PexRequest
	if _, err := t.readEnvelope(s, StreamTimeout, &req); err != nil {
		logrus.WithField("error", err).Debug("transport: pex request read failed")
		return
	}
	t.rememberPeer(s, req.PeerID)

	var resp discovery.PexResponse
	if t.pex != nil {
		resp = t.pex(req)
	}
	if err := t.writeEnvelope(s, StreamTimeout, wire.MsgPexResponse, resp); err != nil {
		logrus.WithField("error", err).Debug("transport: pex response write failed")
	}
}

// Ping opens a ping stream to peerID and waits for its pong.
func (t *Host) Ping(ctx context.Context, peerID string) error {
	s, err := t.openStream(ctx, peerID, protocol.ID(wire.ProtocolPing))
	if err != nil {
		return err
	}
	defer s.Close()
	if err := t.writeEnvelope(s, StreamTimeout, wire.MsgPing, pingPayload{
		PeerID: t.peerID, PublicKey: t.publicKey, PowNonce: t.powNonce,
	}); err != nil {
		return err
	}
	_, err = t.readEnvelope(s, StreamTimeout, nil)
	return err
}

// handlePing answers a ping and, when a sybil.Validator is installed,
// treats it as this peer's admission handshake: the claimed node id
// must match the PoW hash the sender's public key and nonce produce,
// and the sender's subnet must still have room in the bucket. A peer
// that fails either check is never remembered, so it gains no routing
// presence even though the stream itself succeeds.
func (t *Host) handlePing(s network.Stream) {
	defer s.Close()
	var req pingPayload
	if _, err := t.readEnvelope(s, StreamTimeout, &req); err != nil {
		return
	}

	if t.validator != nil {
		ip, err := remoteIP(s)
		if err != nil {
			logrus.WithField("error", err).Debug("transport: ping admission ip lookup failed")
			return
		}
		ok, reason := t.validator.ValidatePeer(req.PublicKey, req.PowNonce, ip, req.PeerID, admissionBucketID)
		if !ok {
			logrus.WithFields(logrus.Fields{"peer_id": req.PeerID, "ip": ip, "reason": reason}).Warn("transport: peer admission rejected")
			return
		}
	}

	t.rememberPeer(s, req.PeerID)
	_ = t.writeEnvelope(s, StreamTimeout, wire.MsgPong, pingPayload{PeerID: t.peerID, PublicKey: t.publicKey, PowNonce: t.powNonce})
}

// RequestCreditProof asks peerID for a sampled proof of its claimed
// credit contribution and returns the reconstructed Proof for
// credit.VerifyProof to check.
func (t *Host) RequestCreditProof(ctx context.Context, peerID string, sampleSize int) (credit.Proof, error) {
	s, err := t.openStream(ctx, peerID, protocol.ID(wire.ProtocolCredit))
	if err != nil {
		return credit.Proof{}, err
	}
	defer s.Close()

	if err := t.writeEnvelope(s, StreamTimeout, wire.MsgCreditProofRequest, credit.ProofRequest{
		RequesterPeerID: t.peerID,
		RequestID:       uuid.NewString(),
		SampleSize:      sampleSize,
		Timestamp:       time.Now().Unix(),
	}); err != nil {
		return credit.Proof{}, err
	}
	var resp credit.ProofResponse
	if _, err := t.readEnvelope(s, StreamTimeout, &resp); err != nil {
		return credit.Proof{}, err
	}
	return credit.FromWire(resp), nil
}

func (t *Host) handleCreditProof(s network.Stream) {
	defer s.Close()
	var req credit.ProofRequest
	if _, err := t.readEnvelope(s, StreamTimeout, &req); err != nil {
		logrus.WithField("error", err).Debug("transport: credit proof request read failed")
		return
	}
	if t.creditProof == nil {
		return
	}
	resp := t.creditProof(req)
	if err := t.writeEnvelope(s, StreamTimeout, wire.MsgCreditProofResponse, resp); err != nil {
		logrus.WithField("error", err).Debug("transport: credit proof response write failed")
	}
}

// AnnounceCreditSync opens a credit-sync stream to every currently
// connected peer and announces this node's owner email hash, so peers
// sharing the same owner identity can discover each other and begin
// exchanging credit summaries. A no-op when no manager is installed or
// the local node has no configured owner identity.
func (t *Host) AnnounceCreditSync(ctx context.Context) {
	mgr := t.creditSyncMgr
	if mgr == nil || !mgr.HasIdentity() {
		return
	}
	for _, pid := range t.ConnectedPeers() {
		if err := t.announceCreditSyncTo(ctx, mgr, pid); err != nil {
			logrus.WithFields(logrus.Fields{"peer_id": pid, "error": err}).Debug("transport: credit sync announce failed")
		}
	}
}

func (t *Host) announceCreditSyncTo(ctx context.Context, mgr *creditsync.Manager, peerID string) error {
	s, err := t.openStream(ctx, peerID, protocol.ID(wire.ProtocolCreditSync))
	if err != nil {
		return err
	}
	defer s.Close()

	if err := t.writeEnvelope(s, StreamTimeout, wire.MsgCreditSyncAnnounce, creditsync.Announce{
		PeerID: t.peerID, OwnerEmailHash: mgr.OwnerEmailHash(), Timestamp: time.Now().Unix(),
	}); err != nil {
		return err
	}
	msgType, payload, err := t.readEnvelopeMap(s, StreamTimeout)
	if err != nil {
		return err
	}
	if msgType != wire.MsgCreditSyncExchange {
		return nil
	}
	var exchange creditsync.Exchange
	if err := decodePayload(payload, &exchange); err != nil {
		return err
	}
	mgr.RegisterSameOwnerPeer(peerID)
	_, err = mgr.ReceiveSummary(creditsync.SummaryFromExchange(exchange))
	return err
}

// RunCreditSyncRound purges stale peer summaries and re-exchanges
// credit summaries with every known same-owner peer that is due for a
// sync (creditsync.SyncInterval since the last exchange). Intended to be
// called periodically (services.py's bootstrap loop calls the
// equivalent every 300s).
func (t *Host) RunCreditSyncRound(ctx context.Context) {
	mgr := t.creditSyncMgr
	if mgr == nil || !mgr.HasIdentity() {
		return
	}
	if _, err := mgr.PurgeStale(); err != nil {
		logrus.WithError(err).Debug("transport: credit sync purge stale failed")
	}
	for _, pid := range mgr.SameOwnerPeers() {
		if !mgr.NeedsSync(pid) {
			continue
		}
		if err := t.exchangeCreditSync(ctx, mgr, pid); err != nil {
			logrus.WithFields(logrus.Fields{"peer_id": pid, "error": err}).Debug("transport: credit sync round failed")
		}
	}
}

func (t *Host) exchangeCreditSync(ctx context.Context, mgr *creditsync.Manager, peerID string) error {
	summary, err := mgr.BuildSummary()
	if err != nil {
		return err
	}
	s, err := t.openStream(ctx, peerID, protocol.ID(wire.ProtocolCreditSync))
	if err != nil {
		return err
	}
	defer s.Close()

	if err := t.writeEnvelope(s, StreamTimeout, wire.MsgCreditSyncExchange, summary.ToExchange()); err != nil {
		return err
	}
	msgType, payload, err := t.readEnvelopeMap(s, StreamTimeout)
	if err != nil {
		return err
	}
	if msgType != wire.MsgCreditSyncExchange {
		return nil
	}
	var exchange creditsync.Exchange
	if err := decodePayload(payload, &exchange); err != nil {
		return err
	}
	_, err = mgr.ReceiveSummary(creditsync.SummaryFromExchange(exchange))
	return err
}

// handleCreditSync answers an inbound credit-sync stream, which
// multiplexes two message shapes: an Announce (identity discovery,
// answered with our own summary when the owner hash matches, or an
// empty announce otherwise) and an Exchange (a peer's summary, recorded
// and reciprocated with ours so either side of the exchange can
// initiate).
func (t *Host) handleCreditSync(s network.Stream) {
	defer s.Close()
	mgr := t.creditSyncMgr
	if mgr == nil {
		return
	}
	msgType, payload, err := t.readEnvelopeMap(s, StreamTimeout)
	if err != nil {
		logrus.WithField("error", err).Debug("transport: credit sync read failed")
		return
	}

	switch msgType {
	case wire.MsgCreditSyncAnnounce:
		var announce creditsync.Announce
		if err := decodePayload(payload, &announce); err != nil {
			return
		}
		if announce.OwnerEmailHash != "" && announce.OwnerEmailHash == mgr.OwnerEmailHash() {
			mgr.RegisterSameOwnerPeer(announce.PeerID)
			summary, err := mgr.BuildSummary()
			if err != nil {
				logrus.WithError(err).Debug("transport: credit sync build summary failed")
				return
			}
			_ = t.writeEnvelope(s, StreamTimeout, wire.MsgCreditSyncExchange, summary.ToExchange())
		} else {
			_ = t.writeEnvelope(s, StreamTimeout, wire.MsgCreditSyncAnnounce, creditsync.Announce{PeerID: t.peerID})
		}

	case wire.MsgCreditSyncExchange:
		var exchange creditsync.Exchange
		if err := decodePayload(payload, &exchange); err != nil {
			return
		}
		if _, err := mgr.ReceiveSummary(creditsync.SummaryFromExchange(exchange)); err != nil {
			logrus.WithError(err).Debug("transport: credit sync receive summary failed")
			return
		}
		summary, err := mgr.BuildSummary()
		if err != nil {
			return
		}
		_ = t.writeEnvelope(s, StreamTimeout, wire.MsgCreditSyncExchange, summary.ToExchange())
	}
}
