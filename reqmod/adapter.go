package reqmod

import (
	"context"
	"fmt"

	icapclient "github.com/relaygate/icap-bridge"
	"github.com/relaygate/icap-bridge/bodytransfer"
	"github.com/relaygate/icap-bridge/idle"
)

// BidirectionalAdapter streams an ICAP server's committed adapted request
// through to the upstream origin connection while the client's original
// body upload continues in the background.
type BidirectionalAdapter struct {
	Supervisor idle.Supervisor
	Config     AdapterConfig
}

// Transfer parses the adapted header block, forwards it upstream, then
// streams the chunked body through, cross-checking the decoded length
// against a declared Content-Length.
func (a *BidirectionalAdapter) Transfer(
	ctx context.Context,
	runState *RunState,
	cltBodyTransfer *bodytransfer.ClientBodyTransfer,
	origRequest *OriginalRequest,
	icapReader *icapclient.ICAPReader,
	upsWriter UpstreamWriter,
) EndState {
	// Join any FillWaitData probe still in flight on icapReader before
	// reading it here: the response waiter's probe goroutine may have been
	// left running if the client body transfer won that earlier race.
	icapReader.AwaitProbe()

	adapted, err := ParseAdaptedRequest(icapReader.Reader, a.Config.HTTPHeaderSize, a.Config.HTTPReqAddNoViaHeader)
	if err != nil {
		return Failed(err)
	}

	final := origRequest.AdaptWithBody(adapted)

	if err := upsWriter.SendRequestHeader(ctx, final); err != nil {
		return Failed(wrapErr(ErrHTTPUpstreamWriteFailed, err))
	}
	runState.MarkUpstreamSendHeader()

	switch {
	case adapted.ContentLength != nil && *adapted.ContentLength == 0:
		// Nothing to stream; the zero-length-with-body-frame case was
		// already rejected by ParseAdaptedRequest.

	default:
		// Both the length-declared and EOF-framed cases ride the same
		// chunked wire encoding; the only difference is whether we have a
		// declared total to cross-check the decoded length against.
		upsXfer := bodytransfer.NewUpstreamBodyTransfer(ctx, icapReader.Reader, a.Config.HTTPBodyLineMaxSize, upsWriter, a.Config.CopyConfig.BufferSize)
		res := a.doTransfer(ctx, cltBodyTransfer, upsXfer)
		if res.Err != nil {
			return Failed(res.Err)
		}
		if adapted.ContentLength != nil && res.Copied != *adapted.ContentLength {
			return Failed(NewInvalidHTTPBodyError(fmt.Sprintf("Content-Length is %d but decoded length is %d", *adapted.ContentLength, res.Copied)))
		}
		if ok, trerr := bodytransfer.ReadTrailer(icapReader.Reader, 128); trerr == nil && ok {
			a.Config.ICAPReadFinished = true
		}
	}

	runState.MarkUpstreamSendAll()
	return AdaptedTransferred(final)
}

type doTransferResult struct {
	Copied int64
	Err    error
}

// doTransfer coordinates the client→ICAP and ICAP→upstream transfers plus
// idle accounting: idle ticks accumulate only while both transfers are
// idle, and on quit blameIdle picks the stalled side.
func (a *BidirectionalAdapter) doTransfer(ctx context.Context, cltBodyTransfer *bodytransfer.ClientBodyTransfer, upsBodyTransfer *bodytransfer.UpstreamBodyTransfer) doTransferResult {
	ticker := a.Supervisor.IntervalTimer()
	defer ticker.Stop()

	// tickerCtx bounds the ticker goroutine's lifetime to this call: once
	// doTransfer returns by any branch, cancelTicker unblocks both the
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

	cltDoneCh := cltBodyTransfer.Done()
	var idleAccum uint64

	for {
		select {
		case res := <-upsBodyTransfer.Done():
			return a.finishUpstream(ctx, res, cltDoneCh)
		case res := <-cltDoneCh:
			cltDoneCh = nil
			if res.Err != nil {
				return doTransferResult{Err: attributeCltErr(res)}
			}
		default:
		}

		select {
		case res := <-upsBodyTransfer.Done():
			return a.finishUpstream(ctx, res, cltDoneCh)
		case res := <-cltDoneCh:
			cltDoneCh = nil
			if res.Err != nil {
				return doTransferResult{Err: attributeCltErr(res)}
			}
		case n := <-tickCh:
			if reason, quit := a.Supervisor.CheckForceQuit(); quit {
				return doTransferResult{Err: NewIdleForceQuitError(reason)}
			}

			cltIdle := cltDoneCh == nil || cltBodyTransfer.IsIdle()
			upsIdle := upsBodyTransfer.IsIdle()
			if cltIdle && upsIdle {
				idleAccum += n
			} else {
				idleAccum = 0
				if cltDoneCh != nil {
					cltBodyTransfer.ResetActive()
				}
				upsBodyTransfer.ResetActive()
			}

			if a.Supervisor.CheckQuit(idleAccum) {
				return doTransferResult{Err: blameIdle(cltDoneCh, cltBodyTransfer, upsBodyTransfer)}
			}
		case err := <-tickErrCh:
			return doTransferResult{Err: err}
		case <-ctx.Done():
			return doTransferResult{Err: ctx.Err()}
		}
	}
}

// finishUpstream handles the upstream transfer's terminal result. On
// success it drives the still-running client transfer to completion (or
// cancellation) rather than abandoning it, per the documented deviation
// from the literal source order: this leaves the ICAP writer half in a
// recoverable state instead of tearing it down mid-flight.
func (a *BidirectionalAdapter) finishUpstream(ctx context.Context, res bodytransfer.Result, cltDoneCh <-chan bodytransfer.Result) doTransferResult {
	if res.Err != nil {
		switch res.Fault {
		case bodytransfer.ReadFault:
			return doTransferResult{Err: wrapErr(ErrICAPServerReadFailed, res.Err)}
		case bodytransfer.WriteFault:
			return doTransferResult{Err: wrapErr(ErrHTTPUpstreamWriteFailed, res.Err)}
		}
	}

	if cltDoneCh != nil {
		select {
		case <-cltDoneCh:
		case <-ctx.Done():
		}
	}

	return doTransferResult{Copied: res.BytesCopied}
}

func attributeCltErr(res bodytransfer.Result) error {
	switch res.Fault {
	case bodytransfer.ReadFault:
		return wrapErr(ErrHTTPClientReadFailed, res.Err)
	case bodytransfer.WriteFault:
		return wrapErr(ErrICAPServerWriteFailed, res.Err)
	}
	return res.Err
}

func blameIdle(cltDoneCh <-chan bodytransfer.Result, cltBodyTransfer *bodytransfer.ClientBodyTransfer, upsBodyTransfer *bodytransfer.UpstreamBodyTransfer) error {
	if cltDoneCh == nil || cltBodyTransfer.IsIdle() {
		if cltBodyTransfer.NoCachedData() {
			return ErrHTTPClientReadIdle
		}
		return ErrICAPServerWriteIdle
	}
	if upsBodyTransfer.NoCachedData() {
		return ErrICAPServerReadIdle
	}
	return ErrHTTPUpstreamWriteIdle
}
