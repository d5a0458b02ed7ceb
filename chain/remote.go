package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/websocket"
)

const (
	// defaultRequestTimeout bounds how long a single RPC waits for its
	// response before the call is abandoned.
	defaultRequestTimeout = 30 * time.Second

	// streamBufferSize is the number of undelivered stream messages
	// buffered per subscription before the read loop blocks.
	streamBufferSize = 64
)

var (
	// ErrClientShutdown is returned when a call is made on a client that
	// has been shut down.
	ErrClientShutdown = errors.New("chain client shutting down")

	// ErrInvalidResponse is returned when the remote node sends a reply
	// that cannot be interpreted.
	ErrInvalidResponse = errors.New("invalid response from remote node")
)

// rpcRequest is a JSON-RPC request frame.
type rpcRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcError is the error member of a response frame.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcFrame is an incoming frame: a response when ID is set, a
// subscription notification otherwise.
type rpcFrame struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// txFilterJSON is the wire form of a TxFilter.
type txFilterJSON struct {
	Addresses  []string `json:"addresses"`
	FromHeight uint32   `json:"fromheight"`
	FromHash   string   `json:"fromhash"`
	Count      uint32   `json:"count"`
}

// batchNtfn is the wire form of a merkle batch or instant lock
// notification.
type batchNtfn struct {
	Subscription uint64   `json:"subscription"`
	MerkleBlock  string   `json:"merkleblock,omitempty"`
	Txs          []string `json:"txs,omitempty"`
	InstantLock  string   `json:"instantlock,omitempty"`
}

// RemoteClient implements Interface over a websocket JSON-RPC connection
// to a remote indexing node, following the correlation scheme of the
// btcsuite websocket RPC clients: every request carries a client-chosen
// id, and subscription traffic arrives as unsolicited notifications
// keyed by a server-chosen subscription id.
type RemoteClient struct {
	conn *websocket.Conn

	mtx     sync.Mutex
	nextID  uint64
	pending map[uint64]chan *rpcFrame
	streams map[uint64]*remoteStream

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// Dial connects to the remote node at the given websocket URL and starts
// the client's read loop.
func Dial(url string) (*RemoteClient, error) {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &RemoteClient{
		conn:    conn,
		pending: make(map[uint64]chan *rpcFrame),
		streams: make(map[uint64]*remoteStream),
		quit:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()

	log.Infof("Connected to remote node %s", url)

	return c, nil
}

// Shutdown closes the connection and terminates all in-flight calls and
// streams.
func (c *RemoteClient) Shutdown() {
	c.quitOnce.Do(func() {
		close(c.quit)
		_ = c.conn.Close()
	})

	c.wg.Wait()
}

// readLoop consumes frames from the connection and dispatches them to
// the pending call or subscription they belong to. It exits when the
// connection fails or the client shuts down, failing everything still
// outstanding.
func (c *RemoteClient) readLoop() {
	defer c.wg.Done()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(err)
			return
		}

		var frame rpcFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Warnf("Dropping undecodable frame: %v", err)
			continue
		}

		if frame.ID != nil {
			c.deliverResponse(&frame)
			continue
		}

		c.deliverNotification(&frame)
	}
}

// deliverResponse hands a response frame to the waiting caller.
func (c *RemoteClient) deliverResponse(frame *rpcFrame) {
	c.mtx.Lock()
	ch, ok := c.pending[*frame.ID]
	delete(c.pending, *frame.ID)
	c.mtx.Unlock()

	if !ok {
		log.Warnf("Dropping response for unknown request id %d",
			*frame.ID)
		return
	}

	ch <- frame
}

// deliverNotification routes a subscription notification to its stream.
func (c *RemoteClient) deliverNotification(frame *rpcFrame) {
	var ntfn batchNtfn
	if err := json.Unmarshal(frame.Params, &ntfn); err != nil {
		log.Warnf("Dropping undecodable %q notification: %v",
			frame.Method, err)
		return
	}

	c.mtx.Lock()
	stream, ok := c.streams[ntfn.Subscription]
	c.mtx.Unlock()

	if !ok {
		// Notifications may race the unsubscribe call; this is
		// expected during stream teardown.
		log.Debugf("Dropping %q for unknown subscription %d",
			frame.Method, ntfn.Subscription)
		return
	}

	switch frame.Method {
	case "txbatch":
		msg, err := decodeBatchNtfn(&ntfn)
		if err != nil {
			log.Warnf("Dropping bad batch notification: %v", err)
			return
		}

		stream.deliver(msg)

	case "instantlock":
		lock, err := hex.DecodeString(ntfn.InstantLock)
		if err != nil {
			log.Warnf("Dropping bad instant lock payload: %v",
				err)
			return
		}

		stream.deliver(&StreamMsg{RawInstantLock: lock})

	// The bounded range requested at subscription time has been fully
	// delivered.
	case "rangecomplete":
		stream.finish(io.EOF)

	default:
		log.Warnf("Dropping notification with unknown method %q",
			frame.Method)
	}
}

// decodeBatchNtfn converts a merkle batch notification's hex payloads to
// raw bytes.
func decodeBatchNtfn(ntfn *batchNtfn) (*StreamMsg, error) {
	mb, err := hex.DecodeString(ntfn.MerkleBlock)
	if err != nil {
		return nil, fmt.Errorf("merkle block hex: %w", err)
	}

	msg := &StreamMsg{
		RawMerkleBlock: mb,
		RawTxs:         make([][]byte, 0, len(ntfn.Txs)),
	}

	for i, txHex := range ntfn.Txs {
		raw, err := hex.DecodeString(txHex)
		if err != nil {
			return nil, fmt.Errorf("tx %d hex: %w", i, err)
		}

		msg.RawTxs = append(msg.RawTxs, raw)
	}

	return msg, nil
}

// failAll terminates every pending call and open stream with err.
func (c *RemoteClient) failAll(err error) {
	c.mtx.Lock()
	pending := c.pending
	streams := c.streams
	c.pending = make(map[uint64]chan *rpcFrame)
	c.streams = make(map[uint64]*remoteStream)
	c.mtx.Unlock()

	select {
	case <-c.quit:
		err = ErrClientShutdown
	default:
	}

	for id, ch := range pending {
		ch <- &rpcFrame{
			ID:    &id,
			Error: &rpcError{Code: -1, Message: err.Error()},
		}
	}

	for _, stream := range streams {
		stream.finish(err)
	}
}

// call performs a JSON-RPC request and waits for its response.
func (c *RemoteClient) call(ctx context.Context, method string,
	params any, result any) error {

	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	c.mtx.Lock()
	c.nextID++
	id := c.nextID
	respChan := make(chan *rpcFrame, 1)
	c.pending[id] = respChan
	c.mtx.Unlock()

	payload, err := json.Marshal(&rpcRequest{
		ID:     id,
		Method: method,
		Params: rawParams,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	if err != nil {
		c.mtx.Lock()
		delete(c.pending, id)
		c.mtx.Unlock()

		return fmt.Errorf("write %s request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	select {
	case frame := <-respChan:
		if frame.Error != nil {
			return fmt.Errorf("%s: %w", method, frame.Error)
		}

		if result == nil {
			return nil
		}

		if err := json.Unmarshal(frame.Result, result); err != nil {
			return fmt.Errorf("%w: %s result: %v",
				ErrInvalidResponse, method, err)
		}

		return nil

	case <-ctx.Done():
		c.mtx.Lock()
		delete(c.pending, id)
		c.mtx.Unlock()

		return ctx.Err()

	case <-c.quit:
		return ErrClientShutdown
	}
}

// GetBestBlock returns the hash and height of the current chain tip.
//
// This is part of the Interface interface.
func (c *RemoteClient) GetBestBlock() (*chainhash.Hash, uint32, error) {
	var result struct {
		Hash   string `json:"hash"`
		Height uint32 `json:"height"`
	}

	err := c.call(context.Background(), "getbestblock", nil, &result)
	if err != nil {
		return nil, 0, err
	}

	hash, err := chainhash.NewHashFromStr(result.Hash)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: best block hash: %v",
			ErrInvalidResponse, err)
	}

	return hash, result.Height, nil
}

// GetBlockHeaderByHeight returns header data for the main chain block at
// the given height.
//
// This is part of the Interface interface.
func (c *RemoteClient) GetBlockHeaderByHeight(ctx context.Context,
	height uint32) (*BlockHeader, error) {

	var result struct {
		Hash   string `json:"hash"`
		Height uint32 `json:"height"`
		Time   int64  `json:"time"`
	}

	err := c.call(ctx, "getblockheaderbyheight", []uint32{height},
		&result)
	if err != nil {
		return nil, err
	}

	hash, err := chainhash.NewHashFromStr(result.Hash)
	if err != nil {
		return nil, fmt.Errorf("%w: header hash: %v",
			ErrInvalidResponse, err)
	}

	return &BlockHeader{
		Hash:      *hash,
		Height:    result.Height,
		Timestamp: time.Unix(result.Time, 0),
	}, nil
}

// SubscribeTransactions opens a transaction stream for the given filter.
//
// This is part of the Interface interface.
func (c *RemoteClient) SubscribeTransactions(ctx context.Context,
	filter *TxFilter) (TxStream, error) {

	wireFilter := txFilterJSON{
		Addresses:  make([]string, 0, len(filter.Addresses)),
		FromHeight: filter.FromHeight,
		FromHash:   filter.FromHash.String(),
		Count:      filter.Count,
	}
	for _, addr := range filter.Addresses {
		wireFilter.Addresses = append(
			wireFilter.Addresses, addr.EncodeAddress(),
		)
	}

	var result struct {
		Subscription uint64 `json:"subscription"`
	}

	err := c.call(ctx, "subscribetxs", []txFilterJSON{wireFilter},
		&result)
	if err != nil {
		return nil, err
	}

	stream := &remoteStream{
		client:  c,
		subID:   result.Subscription,
		msgChan: make(chan *StreamMsg, streamBufferSize),
		done:    make(chan struct{}),
	}

	c.mtx.Lock()
	c.streams[result.Subscription] = stream
	c.mtx.Unlock()

	log.Debugf("Opened tx subscription %d: %d addresses, from "+
		"height %d, count %d", result.Subscription,
		len(filter.Addresses), filter.FromHeight, filter.Count)

	return stream, nil
}

// removeStream drops the stream registration for the given subscription.
func (c *RemoteClient) removeStream(subID uint64) {
	c.mtx.Lock()
	delete(c.streams, subID)
	c.mtx.Unlock()
}

// remoteStream is a single subscription's receive side.
type remoteStream struct {
	client *RemoteClient
	subID  uint64

	msgChan chan *StreamMsg

	// done is closed once the stream is finished; doneErr is set before
	// the close and never written afterwards.
	done     chan struct{}
	doneOnce sync.Once
	doneErr  error

	// cancelOnce guards the server-side unsubscribe so repeated Cancel
	// calls send it at most once.
	cancelOnce sync.Once
}

// deliver hands a message to the stream's consumer, dropping it if the
// stream already finished.
func (s *remoteStream) deliver(msg *StreamMsg) {
	select {
	case s.msgChan <- msg:
	case <-s.done:
	case <-s.client.quit:
	}
}

// finish terminates the stream with the given error exactly once.
func (s *remoteStream) finish(err error) {
	s.doneOnce.Do(func() {
		s.doneErr = err
		close(s.done)
		s.client.removeStream(s.subID)
	})
}

// Recv blocks until the next message or the end of the stream.
//
// This is part of the TxStream interface.
func (s *remoteStream) Recv() (*StreamMsg, error) {
	select {
	case msg := <-s.msgChan:
		return msg, nil

	case <-s.done:
		// Drain messages that were buffered before the stream
		// finished so a bounded range is always delivered in full.
		select {
		case msg := <-s.msgChan:
			return msg, nil
		default:
		}

		return nil, s.doneErr

	case <-s.client.quit:
		return nil, ErrClientShutdown
	}
}

// Cancel tears the subscription down. The server-side unsubscribe is
// sent in the background so Cancel never blocks on the transport.
//
// This is part of the TxStream interface.
func (s *remoteStream) Cancel() {
	s.finish(ErrStreamCanceled)

	s.cancelOnce.Do(func() {
		// Best effort: the subscription may already be gone
		// server-side.
		go func() {
			err := s.client.call(
				context.Background(), "unsubscribe",
				[]uint64{s.subID}, nil,
			)
			if err != nil && !errors.Is(err, ErrClientShutdown) {
				log.Debugf("Unsubscribe %d failed: %v",
					s.subID, err)
			}
		}()
	})
}
