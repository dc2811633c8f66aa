package reqmod

import (
	"context"

	icapclient "github.com/relaygate/icap-bridge"
	"github.com/relaygate/icap-bridge/bodytransfer"
	"github.com/relaygate/icap-bridge/idle"
)

// BidirectionalResponseWaiter multiplexes the client→ICAP body transfer
// against the ICAP reader becoming readable and a periodic idle tick,
// during the REQMOD phase where the ICAP server may commit to a response
// before the client finishes uploading.
type BidirectionalResponseWaiter struct {
	Supervisor    idle.Supervisor
	MaxHeaderSize int
	SharedNames   []string
}

type icapReadyResult struct {
	ok  bool
	err error
}

// TransferAndRecv waits for whichever of the three events listed on
// BidirectionalResponseWaiter happens first and returns the parsed ICAP response, or a tagged error.
func (w *BidirectionalResponseWaiter) TransferAndRecv(ctx context.Context, bodyTransfer *bodytransfer.ClientBodyTransfer, icapReader *icapclient.ICAPReader) (*icapclient.Response, error) {
	icapReadyCh := make(chan icapReadyResult, 1)
	go func() {
		ok, err := icapReader.FillWaitData(ctx)
		icapReadyCh <- icapReadyResult{ok: ok, err: err}
	}()

	ticker := w.Supervisor.IntervalTimer()
	defer ticker.Stop()

	// tickerCtx bounds the ticker goroutine's lifetime to this call: once
	// TransferAndRecv returns by any branch, cancelTicker unblocks both the
	// goroutine's Wait and its pending send, so it always exits instead of
	// leaking past the caller that spawned it.
	tickerCtx, cancelTicker := context.WithCancel(ctx)
	defer cancelTicker()

	tickCh := make(chan uint64, 1)
	tickErrCh := make(chan error, 1)
	go func() {
		for {
			n, err := ticker.Wait(tickerCtx)
			if err != nil {
				select {
				case tickErrCh <- err:
				case <-tickerCtx.Done():
				}
				return
			}
			select {
			case tickCh <- n:
			case <-tickerCtx.Done():
				return
			}
		}
	}()

	var idleAccum uint64

	for {
		// Drain terminal events first: a non-blocking select gives them
		// priority over the idle tick, which Go's select has no native
		// way to express.
		select {
		case res := <-bodyTransfer.Done():
			return w.handleBodyDone(res, icapReader)
		case rr := <-icapReadyCh:
			return w.handleICAPReady(rr, icapReader)
		default:
		}

		select {
		case res := <-bodyTransfer.Done():
			return w.handleBodyDone(res, icapReader)
		case rr := <-icapReadyCh:
			return w.handleICAPReady(rr, icapReader)
		case n := <-tickCh:
			if reason, quit := w.Supervisor.CheckForceQuit(); quit {
				return nil, NewIdleForceQuitError(reason)
			}
			if bodyTransfer.IsIdle() {
				idleAccum += n
			} else {
				idleAccum = 0
				bodyTransfer.ResetActive()
			}
			if w.Supervisor.CheckQuit(idleAccum) {
				if bodyTransfer.NoCachedData() {
					return nil, ErrHTTPClientReadIdle
				}
				return nil, ErrICAPServerWriteIdle
			}
		case err := <-tickErrCh:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (w *BidirectionalResponseWaiter) handleBodyDone(res bodytransfer.Result, icapReader *icapclient.ICAPReader) (*icapclient.Response, error) {
	if res.Err != nil {
		switch res.Fault {
		case bodytransfer.ReadFault:
			return nil, wrapErr(ErrHTTPClientReadFailed, res.Err)
		case bodytransfer.WriteFault:
			return nil, wrapErr(ErrICAPServerWriteFailed, res.Err)
		}
	}
	return w.parseResponse(icapReader)
}

func (w *BidirectionalResponseWaiter) handleICAPReady(rr icapReadyResult, icapReader *icapclient.ICAPReader) (*icapclient.Response, error) {
	if rr.err != nil {
		return nil, wrapErr(ErrICAPServerReadFailed, rr.err)
	}
	if !rr.ok {
		return nil, ErrICAPServerConnectionClosed
	}
	return w.parseResponse(icapReader)
}

func (w *BidirectionalResponseWaiter) parseResponse(icapReader *icapclient.ICAPReader) (*icapclient.Response, error) {
	// Join any FillWaitData probe still in flight before reading: if the
	// client body transfer finished first, the probe goroutine may still be
	// blocked in Peek against the same *bufio.Reader we're about to read.
	icapReader.AwaitProbe()

	resp, err := icapclient.ParseResponse(icapReader.Reader, w.MaxHeaderSize, w.SharedNames)
	if err != nil {
		return nil, wrapErr(ErrICAPServerReadFailed, err)
	}
	return resp, nil
}
