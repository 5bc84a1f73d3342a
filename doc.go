// Package framereel plays a fixed-length sequence of still frames against
// the display refresh.
//
// # Overview
//
// A sequence is FrameCount logical frames of FrameDuration each. Every frame
// slot decodes the same image source; the displayed slot is composited onto
// the output surface with a slight zoom that grows across the frame. Upcoming
// slots are decoded ahead of time (the prefetch window) and released as soon
// as playback moves past them.
//
//	p, err := framereel.New(framereel.DefaultConfig())
//	if err != nil { ... }
//	defer p.Close()
//
//	out := framereel.NewOutput(912, 512)
//	if _, err := p.Play(ctx, out, "frames/cover.jpg",
//	    framereel.WithPreload(2),
//	    framereel.WithMode(framereel.ModeWorkerTransfer),
//	); err != nil { ... }
//	err = p.Wait(ctx)
//
// # Decode Modes
//
//   - ModeLocal: fetch and decode on the calling side into a pooled surface.
//   - ModeWorkerTransfer: draw rights of pooled surfaces are handed once to
//     the decode worker, which then fetches, decodes and draws into them.
//   - ModeWorkerDecodeOnly: the worker decodes and hands the bitmap back.
//
// The decode worker is a single persistent goroutine started on first use
// and shared by every session of a Player.
//
// # Back-pressure
//
// The clock never advances while the displayed slot is still decoding, and
// an unready frame is never drawn. A failure mounting the displayed slot
// ends the session; a failed prefetch is only logged.
//
// # Observability
//
// Events() fans out started, progress, stalled and terminal events
// without ever blocking playback:
//
//	ch := make(chan framereel.Event, 16)
//	p.Events().Subscribe("ui", ch)
//
// Only one session is active at a time. Starting a new one stops the
// previous one first.
package framereel
