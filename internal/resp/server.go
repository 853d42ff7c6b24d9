// Package resp serves the append log over the Redis protocol so any Redis
// client can append and page through partitions.
package resp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/redcon"

	"receiptlog/internal/logger"
	"receiptlog/internal/metrics"
	"receiptlog/internal/model"
	"receiptlog/internal/pagination"
)

var (
	ErrWrongNumArgs   = errors.New("wrong number of arguments")
	ErrUnknownCommand = errors.New("unknown command")
	ErrSyntax         = errors.New("syntax error")
)

type Receipts interface {
	Init(ctx context.Context, admin model.Identity) error
	Append(ctx context.Context, caller model.Identity, partition uint64, payload model.Int128, owner model.Identity) (model.Record, error)
	Partitions(ctx context.Context) ([]uint64, error)
}

type Server struct {
	receipts Receipts
	pages    *pagination.Engine
	metrics  *metrics.Registry
	commands map[string]command
	rc       *redcon.Server
}

type client struct {
	identity model.Identity
}

type command struct {
	arity int // exact argument count including the name; negative means at least -arity
	fn    func(ctx context.Context, c *client, args []string) (interface{}, error)
}

type quit struct{}

func NewServer(rs Receipts, pages *pagination.Engine, reg *metrics.Registry) *Server {
	s := &Server{receipts: rs, pages: pages, metrics: reg}
	s.commands = map[string]command{
		"ping":       {arity: -1, fn: s.cmdPING},
		"quit":       {arity: 1, fn: func(context.Context, *client, []string) (interface{}, error) { return quit{}, nil }},
		"auth":       {arity: 2, fn: s.cmdAUTH},
		"init":       {arity: 2, fn: s.cmdINIT},
		"append":     {arity: 4, fn: s.cmdAPPEND},
		"list":       {arity: -3, fn: s.cmdLIST},
		"count":      {arity: 2, fn: s.cmdCOUNT},
		"partitions": {arity: 1, fn: s.cmdPARTITIONS},
	}
	s.rc = redcon.NewServer("", s.handle, s.opened, s.closed)
	return s
}

// Serve accepts connections on ln until Close is called.
func (s *Server) Serve(ln net.Listener) error {
	logger.Info("addr", ln.Addr().String(), "resp server listening")
	return s.rc.Serve(ln)
}

// Close stops accepting and drops open connections.
func (s *Server) Close() error {
	return s.rc.Close()
}

func (s *Server) handle(conn redcon.Conn, cmd redcon.Command) {
	c := conn.Context().(*client)
	cmds := append([]redcon.Command{cmd}, conn.ReadPipeline()...)
	for _, cmd := range cmds {
		if s.exec(conn, c, commandToArgs(cmd)) {
			return
		}
	}
}

func (s *Server) opened(conn redcon.Conn) bool {
	conn.SetContext(new(client))
	return true
}

func (s *Server) closed(conn redcon.Conn, err error) {
	if err != nil {
		logger.Debug("remote", conn.RemoteAddr(), "error", err, "resp connection closed")
	}
}

func commandToArgs(cmd redcon.Command) []string {
	args := make([]string, len(cmd.Args))
	args[0] = strings.ToLower(string(cmd.Args[0]))
	for i := 1; i < len(cmd.Args); i++ {
		args[i] = string(cmd.Args[i])
	}
	return args
}

// exec runs one command and writes its reply. It reports whether the
// connection was closed.
func (s *Server) exec(conn redcon.Conn, c *client, args []string) bool {
	cmd, ok := s.commands[args[0]]
	if !ok {
		conn.WriteError(fmt.Sprintf("ERR %s '%s'", ErrUnknownCommand, args[0]))
		return false
	}
	if (cmd.arity > 0 && len(args) != cmd.arity) || (cmd.arity < 0 && len(args) < -cmd.arity) {
		conn.WriteError(fmt.Sprintf("ERR %s for '%s' command", ErrWrongNumArgs, args[0]))
		return false
	}

	v, err := cmd.fn(context.Background(), c, args)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return false
	}
	if _, ok := v.(quit); ok {
		conn.WriteString("OK")
		conn.Close()
		return true
	}
	conn.WriteAny(v)
	return false
}

func parsePartition(s string) (uint64, error) {
	p, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: partition %q", ErrSyntax, s)
	}
	return p, nil
}

func (s *Server) cmdPING(_ context.Context, _ *client, args []string) (interface{}, error) {
	switch len(args) {
	case 1:
		return redcon.SimpleString("PONG"), nil
	case 2:
		return args[1], nil
	}
	return nil, ErrWrongNumArgs
}

// AUTH identity
// binds the connection to identity for later APPEND calls.
func (s *Server) cmdAUTH(_ context.Context, c *client, args []string) (interface{}, error) {
	id := model.Identity(args[1])
	if !id.Valid() {
		return nil, ErrSyntax
	}
	c.identity = id
	return redcon.SimpleString("OK"), nil
}

// INIT admin
func (s *Server) cmdINIT(ctx context.Context, _ *client, args []string) (interface{}, error) {
	if err := s.receipts.Init(ctx, model.Identity(args[1])); err != nil {
		return nil, err
	}
	return redcon.SimpleString("OK"), nil
}

// APPEND partition payload owner
// appends as the AUTH identity and replies with the record fields.
func (s *Server) cmdAPPEND(ctx context.Context, c *client, args []string) (interface{}, error) {
	rec, err := s.appendRecord(ctx, c, args)
	if err != nil {
		s.metrics.AppendRejected()
		return nil, err
	}
	s.metrics.AppendOK()
	return recordReply(rec), nil
}

func (s *Server) appendRecord(ctx context.Context, c *client, args []string) (model.Record, error) {
	partition, err := parsePartition(args[1])
	if err != nil {
		return model.Record{}, err
	}
	payload, err := model.ParseInt128(args[2])
	if err != nil {
		return model.Record{}, err
	}
	return s.receipts.Append(ctx, c.identity, partition, payload, model.Identity(args[3]))
}

// LIST partition limit [cursor]
// replies [has_more, next_cursor or nil, [record...]].
func (s *Server) cmdLIST(ctx context.Context, _ *client, args []string) (interface{}, error) {
	start := time.Now()
	page, err := s.list(ctx, args)
	if err != nil {
		s.metrics.ListRejected()
		return nil, err
	}
	s.metrics.ListOK(start, len(page.Records))

	records := make([]interface{}, len(page.Records))
	for i, r := range page.Records {
		records[i] = recordReply(r)
	}
	var next interface{}
	hasMore := int64(0)
	if page.HasMore {
		hasMore = 1
		next = page.NextCursor.Token()
	}
	return []interface{}{hasMore, next, records}, nil
}

func (s *Server) list(ctx context.Context, args []string) (model.Page, error) {
	if len(args) > 4 {
		return model.Page{}, ErrWrongNumArgs
	}
	partition, err := parsePartition(args[1])
	if err != nil {
		return model.Page{}, err
	}
	limit, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return model.Page{}, fmt.Errorf("%w: %s", pagination.ErrInvalidLimit, args[2])
	}
	var cursor *model.Cursor
	if len(args) == 4 {
		c, err := model.ParseCursorToken(args[3])
		if err != nil {
			return model.Page{}, err
		}
		cursor = &c
	}
	return s.pages.List(ctx, partition, uint32(limit), cursor)
}

// COUNT partition
func (s *Server) cmdCOUNT(ctx context.Context, _ *client, args []string) (interface{}, error) {
	partition, err := parsePartition(args[1])
	if err != nil {
		return nil, err
	}
	n, err := s.pages.Count(ctx, partition)
	if err != nil {
		return nil, err
	}
	return int64(n), nil
}

// PARTITIONS
func (s *Server) cmdPARTITIONS(ctx context.Context, _ *client, _ []string) (interface{}, error) {
	parts, err := s.receipts.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(parts))
	for i, p := range parts {
		out[i] = strconv.FormatUint(p, 10)
	}
	return out, nil
}

// recordReply renders a record as
// [id, partition, payload, timestamp, unique_id, owner].
// Integers that may exceed int64 are sent as strings.
func recordReply(r model.Record) []interface{} {
	return []interface{}{
		strconv.FormatUint(r.ID, 10),
		strconv.FormatUint(r.PartitionKey, 10),
		r.Payload.String(),
		strconv.FormatUint(r.Timestamp, 10),
		r.UniqueID.String(),
		string(r.Owner),
	}
}
