package wal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/dbmazz/cdc/internal/lsn"
)

// FrameKind discriminates the two CopyData payload shapes the replication
// protocol delivers.
type FrameKind int

const (
	FrameXLogData FrameKind = iota
	FrameKeepalive
)

// Frame is one decoded CopyData payload handed to the caller. XLogData
// frames carry WALData for the decoder; Keepalive frames carry no
// message body — the Source already answers reply_requested itself and
// only surfaces the frame for observability/logging.
type Frame struct {
	Kind           FrameKind
	WALStart       lsn.LSN
	ServerWALEnd   lsn.LSN
	ServerTime     time.Time
	ReplyRequested bool
	Data           []byte // copy of XLogData.WALData, owned by the caller
}

// Source opens a logical-replication connection, issues START_REPLICATION,
// and yields a lazy sequence of framed CopyData payloads. It never
// decodes pgoutput messages itself — that is internal/wal's Decoder's job
// — and it never buffers more than one frame ahead of the consumer, so a
// slow consumer naturally backpressures the socket read.
type Source struct {
	conn            *pgconn.PgConn
	slotName        string
	publicationName string
}

// Connect opens a replication-mode connection. connString must include
// replication=database (spec.md §6, DATABASE_URL).
func Connect(ctx context.Context, connString, slotName, publicationName string) (*Source, error) {
	conn, err := pgconn.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("wal: connect: %w", err)
	}
	return &Source{conn: conn, slotName: slotName, publicationName: publicationName}, nil
}

// Close releases the underlying connection.
func (s *Source) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// StartReplication issues START_REPLICATION SLOT <slot> LOGICAL <start_lsn>
// with proto_version 1 and the configured publication, per spec.md §4.1.
func (s *Source) StartReplication(ctx context.Context, startLSN lsn.LSN) error {
	pluginArgs := []string{
		"proto_version", "1",
		"publication_names", s.publicationName,
	}
	if err := pglogrepl.StartReplication(ctx, s.conn, s.slotName, startLSN, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		return fmt.Errorf("wal: start replication: %w", err)
	}
	return nil
}

// Ack reports the standby's current write/flush/apply positions. Run
// calls it on reply_requested and on the standbyInterval cadence; it is
// not called directly after a checkpoint, so a newly confirmed LSN is
// advertised on the next of those two occasions.
func (s *Source) Ack(ctx context.Context, write, flushApply lsn.LSN) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: write,
		WALFlushPosition: flushApply,
		WALApplyPosition: flushApply,
	})
}

// Run drives the receive loop, pushing frames onto out (which applies
// backpressure: Run blocks on send when the consumer is not ready, and
// that block never holds any lock observable by the status API) and
// sending standby status updates on standbyInterval or on
// reply_requested. lsns supplies the current applied/confirmed
// cursors used to populate the acknowledgement; it returns when ctx is
// canceled or the connection is lost (connection loss is fatal per
// spec.md §4.1 — the caller restarts Run from the persisted checkpoint).
func (s *Source) Run(ctx context.Context, out chan<- Frame, lsns *lsn.Triple, standbyInterval time.Duration) error {
	nextStandby := time.Now().Add(standbyInterval)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandby)
		msg, err := s.conn.ReceiveMessage(recvCtx)
		cancel()

		if err != nil {
			if pgconn.Timeout(err) {
				if ackErr := s.Ack(ctx, lsns.Applied(), lsns.Confirmed()); ackErr != nil {
					return fmt.Errorf("wal: standby status update: %w", ackErr)
				}
				nextStandby = time.Now().Add(standbyInterval)
				continue
			}
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return fmt.Errorf("wal: receive message: %w", err)
		}

		cd, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue // NoticeResponse, ParameterStatus, etc.: not part of the replication stream
		}
		if len(cd.Data) == 0 {
			continue
		}

		switch cd.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if err != nil {
				return &ProtocolError{Reason: fmt.Sprintf("keepalive: %v", err)}
			}
			frame := Frame{
				Kind:           FrameKeepalive,
				ServerWALEnd:   pkm.ServerWALEnd,
				ServerTime:     pkm.ServerTime,
				ReplyRequested: pkm.ReplyRequested,
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
			if pkm.ReplyRequested {
				if err := s.Ack(ctx, lsns.Applied(), lsns.Confirmed()); err != nil {
					return fmt.Errorf("wal: standby status update: %w", err)
				}
				nextStandby = time.Now().Add(standbyInterval)
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				return &ProtocolError{Reason: fmt.Sprintf("xlogdata: %v", err)}
			}
			lsns.AdvanceReceived(xld.WALStart + lsn.LSN(len(xld.WALData)))
			frame := Frame{
				Kind:       FrameXLogData,
				WALStart:   xld.WALStart,
				ServerTime: xld.ServerTime,
				// WALData aliases the connection's receive buffer, which
				// the next ReceiveMessage may reuse while the consumer is
				// still decoding this frame.
				Data: append([]byte(nil), xld.WALData...),
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}

		default:
			// Unknown CopyData payload kind; ignored rather than fatal, since
			// only XLogData and PrimaryKeepalive are part of this protocol
			// version's contract.
		}
	}
}
