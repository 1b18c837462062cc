// Package mls implements the message-layer security channel: a pair of
// inner (decoded) transport streams wrapped around a pair of outer
// (encoded) transport streams so that application-visible bytes are
// encrypted, authenticated, and keyed material is rotated and ratcheted
// (spec §4.10).
package mls

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/haleiwa/rtcstack/collab"
	"github.com/haleiwa/rtcstack/internal/logging"
	"github.com/haleiwa/rtcstack/rtcerrors"
	"github.com/haleiwa/rtcstack/stream"
	"github.com/rs/xid"
)

var log = logging.DefaultLogger.WithTag("mls")

// State is a Channel's lifecycle (spec §4.10; same four states as
// original_source services_MessageLayerSecurityChannel.h's SessionStates).
type State int

const (
	StatePending State = iota
	StateWaitingForNeededInformation
	StateConnected
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateWaitingForNeededInformation:
		return "WaitingForNeededInformation"
	case StateConnected:
		return "Connected"
	case StateShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Delegate receives a Channel's lifecycle events.
type Delegate interface {
	OnMLSChannelStateChanged(c *Channel, state State)
	OnMLSChannelError(c *Channel, err *rtcerrors.Error)
}

// Config configures a Channel's four transport streams and keying material.
//
// The four-stream shape matches original_source's
// create(receiveStreamEncoded, receiveStreamDecoded, sendStreamDecoded,
// sendStreamEncoded): the "encoded" streams face the wire (TURN/RUDP/ICE),
// the "decoded" streams face the application.
type Config struct {
	// ReceiveStreamEncoded is read for inbound encrypted frames.
	ReceiveStreamEncoded *stream.Reader
	// ReceiveStreamDecoded is written with decrypted application bytes.
	ReceiveStreamDecoded *stream.Writer
	// SendStreamDecoded is read for outbound application bytes to encrypt.
	SendStreamDecoded *stream.Reader
	// SendStreamEncoded is written with outbound encrypted frames.
	SendStreamEncoded *stream.Writer

	LocalContextID string

	// Send-side keying: exactly one of these should be populated, matching
	// how the send direction will be keyed.
	SendPassphrase       string
	SendRemotePublicKeyPEM []byte
	SendKeyAgreement     bool

	// Receive-side keying: supplied once the peer's first keying bundle
	// reveals which type it used and WaitingForNeededInformation fires.
	ReceivePassphrase      string
	ReceiveLocalPrivateKeyPEM []byte
	ReceiveSigningPublicKeyPEM []byte

	// SigningPrivateKeyPEM signs every outbound keying bundle; required for
	// all three keying types (spec §4.10 "the bundle is signed by a
	// caller-supplied RSA private key").
	SigningPrivateKeyPEM []byte

	// ChangeSendingKeyAfter rotates to a new algorithmIndex after this
	// duration of Connected state (spec §4.10 "Rotation"). Zero disables
	// rotation.
	ChangeSendingKeyAfter time.Duration

	// AllowLegacyPassphraseIV opts into the MD5-then-SHA1 passphrase-only
	// initial IV derivation instead of deriving it from the negotiated key
	// (spec §9 open question; DESIGN.md Open Question decision #2).
	AllowLegacyPassphraseIV bool

	CryptoProvider collab.CryptoProvider
	Scheduler      collab.Scheduler
	TickInterval   time.Duration
}

func (c *Config) withDefaults() {
	if c.CryptoProvider == nil {
		c.CryptoProvider = collab.DefaultCryptoProvider
	}
	if c.Scheduler == nil {
		c.Scheduler = collab.DefaultScheduler
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
}

// Channel is a message-layer security channel (spec §4.10).
type Channel struct {
	mu       sync.Mutex
	cfg      Config
	delegate Delegate
	state    State

	localContextID  string
	remoteContextID string

	sendType    KeyingType
	receiveType KeyingType

	sendAlgorithmIndex uint32
	sendKeys           map[uint32]*keyInfo
	receiveKeys        map[uint32]*keyInfo

	sentOwnKeying     bool
	receivedPeerKeying bool
	needReceiveKeying bool

	localDHPublic, localDHPrivate [32]byte
	haveLocalDHKeyPair            bool
	remoteDHPublic                [32]byte
	haveRemoteDHPublic            bool

	pendingReceiveSecret []byte

	connectedAt time.Time

	wakeChan chan struct{}
	cancel   context.CancelFunc
}

// NewChannel constructs and starts a Channel.
func NewChannel(cfg Config, delegate Delegate) *Channel {
	cfg.withDefaults()

	c := &Channel{
		cfg:             cfg,
		delegate:        delegate,
		state:           StatePending,
		localContextID:  cfg.LocalContextID,
		sendKeys:        make(map[uint32]*keyInfo),
		receiveKeys:     make(map[uint32]*keyInfo),
	}
	if c.localContextID == "" {
		c.localContextID = xid.New().String()
	}

	switch {
	case cfg.SendKeyAgreement:
		c.sendType = KeyingTypeKeyAgreement
	case len(cfg.SendRemotePublicKeyPEM) > 0:
		c.sendType = KeyingTypePublicKey
	case cfg.SendPassphrase != "":
		c.sendType = KeyingTypePassphrase
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setState(StatePending)

	go c.run(ctx)
	return c
}

func (c *Channel) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	if state == StateConnected {
		c.connectedAt = time.Now()
	}
	delegate := c.delegate
	c.mu.Unlock()
	if delegate != nil {
		delegate.OnMLSChannelStateChanged(c, state)
	}
}

// GetState returns the channel's current state.
func (c *Channel) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetReceiveKeying supplies the passphrase needed to unwrap the peer's
// keying bundle once WaitingForNeededInformation fires with
// KeyingTypePassphrase (spec §4.10 "the peer supplies missing keys").
func (c *Channel) SetReceiveKeying(passphrase string) {
	c.mu.Lock()
	c.cfg.ReceivePassphrase = passphrase
	c.mu.Unlock()
	c.wake()
}

// SetReceiveKeyingPrivateKey supplies the RSA private key needed to unwrap
// a PublicKey-keyed bundle.
func (c *Channel) SetReceiveKeyingPrivateKey(privateKeyPEM []byte) {
	c.mu.Lock()
	c.cfg.ReceiveLocalPrivateKeyPEM = privateKeyPEM
	c.mu.Unlock()
	c.wake()
}

// SetReceiveKeyingSigningPublicKey supplies the public key that should have
// signed the peer's keying bundle.
func (c *Channel) SetReceiveKeyingSigningPublicKey(publicKeyPEM []byte) {
	c.mu.Lock()
	c.cfg.ReceiveSigningPublicKeyPEM = publicKeyPEM
	c.mu.Unlock()
	c.wake()
}

// SetRemoteKeyAgreement supplies the peer's X25519 public key, when it was
// only known by fingerprint ahead of time.
func (c *Channel) SetRemoteKeyAgreement(remotePublic [32]byte) {
	c.mu.Lock()
	c.remoteDHPublic = remotePublic
	c.haveRemoteDHPublic = true
	c.mu.Unlock()
	c.wake()
}

// Shutdown cancels the channel's loop and releases its streams.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.state == StateShutdown {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.cancel()
	c.cfg.ReceiveStreamEncoded.Cancel()
	c.cfg.SendStreamEncoded.Cancel()
	c.setState(StateShutdown)
}

var wakeSignal = struct{}{}

func (c *Channel) wake() {
	select {
	case c.wakeCh() <- wakeSignal:
	default:
	}
}

// wakeCh lazily allocates the wake channel; Channel is always
// constructed through NewChannel so this never races with Shutdown.
func (c *Channel) wakeCh() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wakeChan == nil {
		c.wakeChan = make(chan struct{}, 1)
	}
	return c.wakeChan
}

func (c *Channel) run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	c.cfg.SendStreamDecoded.NotifyReaderReadyToRead()
	sendReady := c.cfg.SendStreamDecoded.ReaderReady()
	c.cfg.ReceiveStreamEncoded.NotifyReaderReadyToRead()
	recvReady := c.cfg.ReceiveStreamEncoded.ReaderReady()

	c.step()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.step()
		case <-c.wakeCh():
			c.step()
		case <-sendReady:
			c.cfg.SendStreamDecoded.NotifyReaderReadyToRead()
			sendReady = c.cfg.SendStreamDecoded.ReaderReady()
			c.step()
		case <-recvReady:
			c.cfg.ReceiveStreamEncoded.NotifyReaderReadyToRead()
			recvReady = c.cfg.ReceiveStreamEncoded.ReaderReady()
			c.step()
		}
	}
}

// step runs one pass of the state machine, matching the
// step/stepReceive/stepSendKeying/stepSend/stepCheckConnected split in
// original_source services_MessageLayerSecurityChannel.h.
func (c *Channel) step() {
	c.mu.Lock()
	if c.state == StateShutdown {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.stepReceive(); err != nil {
		c.reportError(err)
		c.Shutdown()
		return
	}
	if err := c.stepSendKeying(); err != nil {
		c.reportError(err)
		c.Shutdown()
		return
	}
	c.stepSend()
	c.stepCheckConnected()
}

// stepReceive consumes as many complete inbound frames as are currently
// buffered: the first frame on a fresh channel is the peer's keying bundle
// (spec §4.10 "the first outbound frame ... is a JSON keying bundle");
// every subsequent frame is ciphertext to decrypt and forward.
func (c *Channel) stepReceive() error {
	c.mu.Lock()
	receivedKeying := c.receivedPeerKeying
	c.mu.Unlock()

	if !receivedKeying {
		raw, ok := peekLengthPrefixed(c.cfg.ReceiveStreamEncoded)
		if !ok {
			return nil
		}
		var bundle keyingBundle
		if err := json.Unmarshal(raw, &bundle); err != nil {
			return rtcerrors.New(rtcerrors.CodeProtocolViolation, "malformed keying bundle")
		}
		if err := c.processReceiveKeying(bundle); err != nil {
			return err
		}

		// Only consume the bundle off the wire once it has actually been
		// accepted (signature verified, fields recorded); until then it
		// stays at the head of the stream so a later-supplied signing key
		// can re-process the exact same bytes.
		c.mu.Lock()
		nowReceived := c.receivedPeerKeying
		c.mu.Unlock()
		if !nowReceived {
			return nil
		}
		consumeLengthPrefixed(c.cfg.ReceiveStreamEncoded)
	}

	for {
		c.mu.Lock()
		receivedKeying = c.receivedPeerKeying
		c.mu.Unlock()
		if !receivedKeying {
			return nil
		}

		raw, ok := peekLengthPrefixed(c.cfg.ReceiveStreamEncoded)
		if !ok || len(raw) < 4 {
			return nil
		}
		algIdx := frameAlgorithmIndex(raw)

		c.mu.Lock()
		k, ready := c.receiveKeyForIndexLocked(algIdx)
		c.mu.Unlock()
		if !ready {
			return nil
		}

		_, payload, err := decryptFrame(k, raw)
		if err != nil {
			return rtcerrors.Newf(rtcerrors.CodeAuthenticationFailure, "%w", err)
		}
		consumeLengthPrefixed(c.cfg.ReceiveStreamEncoded)

		c.cfg.ReceiveStreamDecoded.Write(payload, nil)
		c.cfg.ReceiveStreamDecoded.NotifyReaderReadyToRead()
	}
}

// receiveKeyForIndexLocked returns the keyInfo for algorithmIndex idx.
// Index 0 is derived from the negotiated keying bundle; every later index
// is produced by carrying the same derived key/integrityPassphrase forward
// with its own independent IV ratchet state (spec §4.10 "Rotation"): since
// transport streams deliver in strict write order (spec §5 "Ordering
// guarantees"), the receive side reaches algorithmIndex idx only after
// processing every idx-1 frame, so its carried-forward nextIV is always in
// the same ratchet position the sender's was when it rotated — no
// additional wire exchange is needed to stay in lockstep.
func (c *Channel) receiveKeyForIndexLocked(idx uint32) (*keyInfo, bool) {
	if k, ok := c.receiveKeys[idx]; ok {
		return k, true
	}
	if idx > 0 {
		if prev, ok := c.receiveKeys[idx-1]; ok {
			k := &keyInfo{sendKey: prev.sendKey, integrityPassphrase: prev.integrityPassphrase, nextIV: prev.nextIV}
			c.receiveKeys[idx] = k
			return k, true
		}
		return nil, false
	}

	switch c.receiveType {
	case KeyingTypePassphrase:
		if c.cfg.ReceivePassphrase == "" {
			c.needReceiveKeying = true
			return nil, false
		}
	case KeyingTypePublicKey:
		if len(c.cfg.ReceiveLocalPrivateKeyPEM) == 0 {
			c.needReceiveKeying = true
			return nil, false
		}
	case KeyingTypeKeyAgreement:
		if !c.haveLocalDHKeyPair || !c.haveRemoteDHPublic {
			c.needReceiveKeying = true
			return nil, false
		}
	default:
		return nil, false
	}

	k, err := c.deriveReceiveKeyLocked()
	if err != nil {
		return nil, false
	}
	c.receiveKeys[0] = k
	c.needReceiveKeying = false
	return k, true
}

func (c *Channel) deriveReceiveKeyLocked() (*keyInfo, error) {
	secret := c.pendingReceiveSecret
	var key, integrity []byte
	var err error

	switch c.receiveType {
	case KeyingTypePassphrase:
		unwrapped := unwrapWithPassphrase(c.cfg.ReceivePassphrase, secret)
		key, integrity = deriveSendKeyFromSecret(unwrapped, c.remoteContextID, c.localContextID)
	case KeyingTypePublicKey:
		unwrapped, derr := c.cfg.CryptoProvider.DecryptRSA(c.cfg.ReceiveLocalPrivateKeyPEM, secret)
		if derr != nil {
			return nil, derr
		}
		key, integrity = deriveSendKeyFromSecret(unwrapped, c.remoteContextID, c.localContextID)
	case KeyingTypeKeyAgreement:
		shared, serr := c.cfg.CryptoProvider.ComputeSharedSecret(c.localDHPrivate, c.remoteDHPublic)
		if serr != nil {
			return nil, serr
		}
		key, integrity, err = deriveKeyAgreementKeys(shared, c.remoteContextID, c.localContextID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, rtcerrors.New(rtcerrors.CodeProtocolViolation, "no receive keying type negotiated")
	}

	iv := firstIV(key, aesKeySize)
	if c.receiveType == KeyingTypePassphrase && c.cfg.AllowLegacyPassphraseIV {
		iv = legacyIV(c.cfg.ReceivePassphrase, aesKeySize)
	}
	return &keyInfo{sendKey: key, integrityPassphrase: integrity, nextIV: iv}, nil
}

// processReceiveKeying validates and records the peer's keying bundle.
func (c *Channel) processReceiveKeying(bundle keyingBundle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.cfg.ReceiveSigningPublicKeyPEM) == 0 {
		c.needReceiveKeying = true
		return nil
	}
	if err := verifyBundle(c.cfg.CryptoProvider, c.cfg.ReceiveSigningPublicKeyPEM, bundle); err != nil {
		return rtcerrors.Newf(rtcerrors.CodeAuthenticationFailure, "%w", err)
	}

	c.remoteContextID = bundle.ContextID
	c.receiveType = bundle.Type

	switch bundle.Type {
	case KeyingTypePassphrase:
		c.pendingReceiveSecret = bundle.PassphraseWrappedKey
	case KeyingTypePublicKey:
		c.pendingReceiveSecret = bundle.RSAWrappedKey
	case KeyingTypeKeyAgreement:
		if len(bundle.DHPublicKey) == 32 {
			copy(c.remoteDHPublic[:], bundle.DHPublicKey)
			c.haveRemoteDHPublic = true
		}
	default:
		return rtcerrors.New(rtcerrors.CodeProtocolViolation, "unknown keying type in bundle")
	}

	c.receivedPeerKeying = true
	return nil
}

// stepSendKeying sends our own keying bundle exactly once, as the first
// frame on SendStreamEncoded.
func (c *Channel) stepSendKeying() error {
	c.mu.Lock()
	already := c.sentOwnKeying
	c.mu.Unlock()
	if already {
		return nil
	}
	if len(c.cfg.SigningPrivateKeyPEM) == 0 {
		return nil // needsSendKeyingToBeSigned: caller hasn't supplied a signer yet.
	}

	c.mu.Lock()
	bundle, err := c.buildSendKeyingBundleLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if bundle == nil {
		return nil
	}

	signed, err := signBundle(c.cfg.CryptoProvider, c.cfg.SigningPrivateKeyPEM, *bundle)
	if err != nil {
		return rtcerrors.Newf(rtcerrors.CodeAuthenticationFailure, "%w", err)
	}

	raw, err := json.Marshal(signed)
	if err != nil {
		return err
	}
	writeLengthPrefixed(c.cfg.SendStreamEncoded, raw)

	c.mu.Lock()
	c.sentOwnKeying = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) buildSendKeyingBundleLocked() (*keyingBundle, error) {
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)

	b := &keyingBundle{
		ContextID: c.localContextID,
		Nonce:     hex.EncodeToString(nonce),
		Type:      c.sendType,
	}

	switch c.sendType {
	case KeyingTypePassphrase:
		if c.cfg.SendPassphrase == "" {
			return nil, nil
		}
		secret := make([]byte, 20)
		_, _ = rand.Read(secret)
		b.PassphraseWrappedKey = wrapWithPassphrase(c.cfg.SendPassphrase, secret)
		c.installSendKeyLocked(secret)
	case KeyingTypePublicKey:
		if len(c.cfg.SendRemotePublicKeyPEM) == 0 {
			return nil, nil
		}
		secret := make([]byte, 20)
		_, _ = rand.Read(secret)
		wrapped, err := c.cfg.CryptoProvider.EncryptRSA(c.cfg.SendRemotePublicKeyPEM, secret)
		if err != nil {
			return nil, err
		}
		b.RSAWrappedKey = wrapped
		c.installSendKeyLocked(secret)
	case KeyingTypeKeyAgreement:
		if !c.haveLocalDHKeyPair {
			pub, priv, err := c.cfg.CryptoProvider.GenerateKeyAgreementKeyPair()
			if err != nil {
				return nil, err
			}
			c.localDHPublic, c.localDHPrivate = pub, priv
			c.haveLocalDHKeyPair = true
		}
		b.DHPublicKey = c.localDHPublic[:]
		fp := sha1HexFingerprint(c.localDHPublic[:])
		b.DHPublicKeyFingerprint = fp
	default:
		return nil, nil
	}

	return b, nil
}

// installSendKeyLocked derives the outbound key/integrityPassphrase from a
// freshly generated secret for the Passphrase/PublicKey paths, where the
// local side itself chose the secret (no unwrap step needed, unlike the
// receive direction which unwraps a secret the peer chose).
func (c *Channel) installSendKeyLocked(secret []byte) {
	key, integrity := deriveSendKeyFromSecret(secret, c.localContextID, c.remoteContextID)
	iv := firstIV(key, aesKeySize)
	if c.sendType == KeyingTypePassphrase && c.cfg.AllowLegacyPassphraseIV {
		iv = legacyIV(c.cfg.SendPassphrase, aesKeySize)
	}
	c.sendKeys[c.sendAlgorithmIndex] = &keyInfo{sendKey: key, integrityPassphrase: integrity, nextIV: iv}
}

// stepSend encrypts and forwards as many pending application bytes as are
// buffered on SendStreamDecoded, once a send key is ready.
func (c *Channel) stepSend() {
	c.mu.Lock()
	k, ready := c.sendKeyReadyLocked()
	algIdx := c.sendAlgorithmIndex
	c.mu.Unlock()
	if !ready {
		return
	}

	for {
		data, _ := c.cfg.SendStreamDecoded.Read(maxFramePayload)
		if len(data) == 0 {
			return
		}

		c.mu.Lock()
		frame, err := encryptFrame(k, algIdx, data)
		c.mu.Unlock()
		if err != nil {
			c.reportError(rtcerrors.Newf(rtcerrors.CodeAuthenticationFailure, "%w", err))
			return
		}

		writeLengthPrefixed(c.cfg.SendStreamEncoded, frame)
	}
}

func (c *Channel) sendKeyReadyLocked() (*keyInfo, bool) {
	if c.sendType == KeyingTypeKeyAgreement && c.cfg.SendKeyAgreement {
		if _, ok := c.sendKeys[c.sendAlgorithmIndex]; !ok && c.haveRemoteDHPublic {
			shared, err := c.cfg.CryptoProvider.ComputeSharedSecret(c.localDHPrivate, c.remoteDHPublic)
			if err == nil {
				key, integrity, derr := deriveKeyAgreementKeys(shared, c.localContextID, c.remoteContextID)
				if derr == nil {
					c.sendKeys[c.sendAlgorithmIndex] = &keyInfo{sendKey: key, integrityPassphrase: integrity, nextIV: firstIV(key, aesKeySize)}
				}
			}
		}
	}
	k, ok := c.sendKeys[c.sendAlgorithmIndex]
	return k, ok
}

// stepCheckConnected transitions Pending/WaitingForNeededInformation into
// Connected once both directions have usable keys, and handles scheduled
// key rotation once Connected (spec §4.10 "Rotation").
func (c *Channel) stepCheckConnected() {
	c.mu.Lock()
	_, sendReady := c.sendKeys[c.sendAlgorithmIndex]
	_, recvReady := c.receiveKeys[0]
	needInfo := c.needReceiveKeying || (c.sendType == KeyingTypeUnknown)
	state := c.state
	rotateAfter := c.cfg.ChangeSendingKeyAfter
	connectedAt := c.connectedAt
	c.mu.Unlock()

	switch {
	case sendReady && recvReady:
		c.setState(StateConnected)
	case needInfo:
		c.setState(StateWaitingForNeededInformation)
	default:
		if state == StatePending {
			c.setState(StateWaitingForNeededInformation)
		}
	}

	if state == StateConnected && rotateAfter > 0 && time.Since(connectedAt) >= rotateAfter {
		c.rotateSendKey()
	}
}

// rotateSendKey advances to a new algorithmIndex (spec §4.10 "Sender
// advances to a new algorithmIndex after a configured duration") by
// carrying the current key/integrityPassphrase forward under the new
// index, with its own independent IV ratchet continuing from the old
// index's current position. The old index's keyInfo is left in sendKeys so
// any frame already in flight under it remains decryptable by the peer
// (spec §4.10 "receiver retains prior indices until no in-flight frame
// references them") — the receive side mirrors this exact carry-forward in
// receiveKeyForIndexLocked, staying in lockstep without a second key
// exchange, since spec §4.10 never describes the wire message a true
// re-keyed rotation would need.
func (c *Channel) rotateSendKey() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.sendKeys[c.sendAlgorithmIndex]
	if !ok {
		return
	}
	next := c.sendAlgorithmIndex + 1
	c.sendKeys[next] = &keyInfo{sendKey: cur.sendKey, integrityPassphrase: cur.integrityPassphrase, nextIV: cur.nextIV}
	c.sendAlgorithmIndex = next
	c.connectedAt = time.Now()
}

func (c *Channel) reportError(err error) {
	re, ok := err.(*rtcerrors.Error)
	if !ok {
		re = rtcerrors.Newf(rtcerrors.CodeProtocolViolation, "%w", err)
	}
	log.Warn("mls: channel error: %v", re)
	c.mu.Lock()
	delegate := c.delegate
	c.mu.Unlock()
	if delegate != nil {
		delegate.OnMLSChannelError(c, re)
	}
}

func sha1HexFingerprint(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}
