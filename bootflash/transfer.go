package bootflash

import (
	"context"
	"fmt"
	"time"
)

// Transfer writes firmware page by page and reboots the device.
//
// Each page record is encoded once; every attempt resends identical bytes.
// A page that is not acknowledged within Config.MaxAttempts attempts aborts
// the whole transfer with ErrPageWriteFailed carrying the page index.
//
// Transfer assumes Handshake has already synchronized the device.
func (s *Session) Transfer(ctx context.Context, firmware []byte) error {
	if len(firmware) == 0 {
		return NewError(ErrInvalidFirmware, PhaseTransfer, "firmware is empty")
	}
	totalPages := PageCount(len(firmware))
	if totalPages > MaxPages {
		return NewError(ErrInvalidFirmware, PhaseTransfer,
			fmt.Sprintf("firmware of %d bytes needs %d pages, maximum is %d", len(firmware), totalPages, MaxPages))
	}

	start := s.clock.Now()
	ts := uint32(start.Unix())
	s.totalPages = totalPages
	s.pagesWritten = 0

	s.callbacks.OnStatus(PhaseTransfer, "flashing")
	s.logger.Info("session %s: flashing %d bytes in %d pages", s.id, len(firmware), totalPages)

	tracker := NewProgressTracker(s.clock, s.callbacks.OnProgress, s.config.ProgressInterval)
	tracker.Start(len(firmware), totalPages)

	written := 0
	for index := 0; index < totalPages; index++ {
		page := pageAt(firmware, index, totalPages, ts)
		if err := s.writePage(ctx, page, start); err != nil {
			return err
		}

		written += len(page.Data)
		s.pagesWritten = index + 1
		tracker.Update(index, written)
	}

	s.callbacks.OnStatus(PhaseTransfer, "rebooting")
	if err := s.send(MsgReboot, nil); err != nil {
		return s.channelError(PhaseTransfer, start, err)
	}
	s.emit(Event{Type: EventReboot, Phase: PhaseTransfer, Page: -1})

	s.logger.Info("session %s: flashed %d pages in %s", s.id, totalPages, tracker.Complete())
	return nil
}

// writePage delivers one page, retrying with the same frame.
func (s *Session) writePage(ctx context.Context, page Page, start time.Time) error {
	frame, err := EncodeFrame(MsgProgramPage, page.Record())
	if err != nil {
		return s.pageError(ErrInvalidFirmware, page.Index, start, err)
	}

	var lastCause *Error
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return s.cancelled(PhaseTransfer, start, err)
		}

		if err := writeFull(s.ch, frame); err != nil {
			return s.channelError(PhaseTransfer, start, err)
		}
		s.emit(Event{Type: EventPageSent, Phase: PhaseTransfer, Page: page.Index, Attempt: attempt})

		cause, err := s.awaitAck(ctx, page.Index, start)
		if err != nil {
			return err
		}
		if cause == nil {
			return nil
		}
		lastCause = cause

		ev := Event{Phase: PhaseTransfer, Page: page.Index, Attempt: attempt, Message: cause.Message, Err: cause}
		if cause.Type == ErrAckTimeout {
			ev.Type = EventAckTimeout
		} else {
			ev.Type = EventAckMismatch
		}
		s.logger.Debug("page %d: %s (attempt %d/%d)", page.Index, cause.Message, attempt, s.config.MaxAttempts)
		s.emit(ev)
	}

	return s.pageError(ErrPageWriteFailed, page.Index, start,
		fmt.Errorf("no acknowledgement after %d attempts: %w", s.config.MaxAttempts, lastCause))
}

// awaitAck polls for the acknowledgement of page until AckTimeout elapses.
// A nil cause means the page was acknowledged; otherwise the cause is an
// ErrAckTimeout or ErrAckMismatch error and the attempt is over.
func (s *Session) awaitAck(ctx context.Context, page int, start time.Time) (*Error, error) {
	deadline := s.clock.Now().Add(s.config.AckTimeout)

	for s.clock.Now().Before(deadline) {
		msg, err := s.poll(PhaseTransfer)
		if err != nil {
			return nil, s.channelError(PhaseTransfer, start, err)
		}

		if msg == nil {
			if err := s.clock.Sleep(ctx, s.config.AckPollInterval); err != nil {
				return nil, s.cancelled(PhaseTransfer, start, err)
			}
			continue
		}

		if msg.Type != MsgProgramPageResponse {
			s.logger.Debug("transfer: ignoring %s", msg)
			continue
		}

		ack, err := ParsePageAck(msg.Payload)
		if err != nil {
			s.logger.Debug("transfer: %v", err)
			continue
		}
		if int(ack.Page) == page && ack.ErrorCode == 0 {
			return nil, nil
		}
		return NewPageError(ErrAckMismatch,
			fmt.Sprintf("ack for page %d with code %d", ack.Page, ack.ErrorCode), page), nil
	}

	return NewPageError(ErrAckTimeout, fmt.Sprintf("no ack within %s", s.config.AckTimeout), page), nil
}
