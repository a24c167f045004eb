package apibroker

import (
	"context"
	"encoding/base64"
	"os"
	"time"

	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/ipc"
)

const maxReadFileSize = 50 * 1024 * 1024

func (b *Broker) registerFilesystem(r *ipc.Router) {
	b.register(r, ipc.RouteFSReadText, b.handleFSReadText)
	b.register(r, ipc.RouteFSReadBinary, b.handleFSReadBinary)
	b.register(r, ipc.RouteFSExists, b.handleFSExists)
	b.register(r, ipc.RouteFSStat, b.handleFSStat)
	b.register(r, ipc.RouteFSReadDirectory, b.handleFSReadDirectory)
	b.register(r, ipc.RouteFSWriteText, b.handleFSWriteText)
	b.register(r, ipc.RouteFSCreateDirectory, b.handleFSCreateDirectory)
	b.register(r, ipc.RouteFSSaveFile, b.handleFSSaveFile)
	b.register(r, ipc.RouteFSSelectPath, b.handleFSSelectPath)
}

type pathArgs struct {
	Path string `json:"path"`
}

// checkAccess runs the grant check before any filesystem call. The shell
// itself is trusted; tool instances only reach paths they were granted.
func (b *Broker) checkAccess(call *ipc.Call, path string) error {
	if path == "" {
		return fault.New(fault.KindInvalidArgument, "path is required")
	}
	if call.Caller.IsUI() {
		return nil
	}
	return b.opts.Gate.ValidateAccess(call.Caller.InstanceID, path)
}

func (b *Broker) decodePath(call *ipc.Call) (string, error) {
	var args pathArgs
	if err := call.Decode(&args); err != nil {
		return "", err
	}
	if err := b.checkAccess(call, args.Path); err != nil {
		return "", err
	}
	return args.Path, nil
}

func readFileCapped(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxReadFileSize {
		return nil, fault.New(fault.KindInvalidArgument, "file exceeds the read size limit")
	}
	return os.ReadFile(path)
}

func (b *Broker) handleFSReadText(ctx context.Context, call *ipc.Call) (any, error) {
	path, err := b.decodePath(call)
	if err != nil {
		return nil, err
	}
	data, err := readFileCapped(path)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (b *Broker) handleFSReadBinary(ctx context.Context, call *ipc.Call) (any, error) {
	path, err := b.decodePath(call)
	if err != nil {
		return nil, err
	}
	data, err := readFileCapped(path)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (b *Broker) handleFSExists(ctx context.Context, call *ipc.Call) (any, error) {
	path, err := b.decodePath(call)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}
	return true, nil
}

func (b *Broker) handleFSStat(ctx context.Context, call *ipc.Call) (any, error) {
	path, err := b.decodePath(call)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fault.New(fault.KindNotFound, "path does not exist")
	}
	return map[string]any{
		"size":        info.Size(),
		"isFile":      info.Mode().IsRegular(),
		"isDirectory": info.IsDir(),
		"modified":    info.ModTime().UTC().Format(time.RFC3339),
	}, nil
}

func (b *Broker) handleFSReadDirectory(ctx context.Context, call *ipc.Call) (any, error) {
	path, err := b.decodePath(call)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"name":        e.Name(),
			"isDirectory": e.IsDir(),
		})
	}
	return out, nil
}

type writeArgs struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"` // utf8 (default) or base64
}

func (a *writeArgs) bytes() ([]byte, error) {
	switch a.Encoding {
	case "", "utf8":
		return []byte(a.Content), nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, fault.New(fault.KindInvalidArgument, "content is not valid base64")
		}
		return data, nil
	default:
		return nil, fault.New(fault.KindInvalidArgument, "unknown encoding %q", a.Encoding)
	}
}

func (b *Broker) handleFSWriteText(ctx context.Context, call *ipc.Call) (any, error) {
	var args writeArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if err := b.checkAccess(call, args.Path); err != nil {
		return nil, err
	}
	data, err := args.bytes()
	if err != nil {
		return nil, err
	}
	return nil, os.WriteFile(args.Path, data, 0o644)
}

func (b *Broker) handleFSCreateDirectory(ctx context.Context, call *ipc.Call) (any, error) {
	path, err := b.decodePath(call)
	if err != nil {
		return nil, err
	}
	return nil, os.MkdirAll(path, 0o755)
}

// handleFSSaveFile shows the save picker, grants the chosen path to the
// requesting instance, then writes. The grant happens before the write so
// later operations on the same path succeed without a second dialog.
func (b *Broker) handleFSSaveFile(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		SuggestedName string `json:"suggestedName,omitempty"`
		Content       string `json:"content"`
		Encoding      string `json:"encoding,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	path, err := b.opts.Picker.PickSave(ctx, args.SuggestedName)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fault.New(fault.KindCancelled, "save dialog was dismissed")
	}
	if !call.Caller.IsUI() {
		if err := b.opts.Gate.GrantAccess(call.Caller.InstanceID, path); err != nil {
			return nil, err
		}
	}
	w := writeArgs{Path: path, Content: args.Content, Encoding: args.Encoding}
	data, err := w.bytes()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	return path, nil
}

func (b *Broker) handleFSSelectPath(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		Type string `json:"type,omitempty"` // file (default) or directory
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	var directory bool
	switch args.Type {
	case "", "file":
	case "directory":
		directory = true
	default:
		return nil, fault.New(fault.KindInvalidArgument, "type must be file or directory, got %q", args.Type)
	}

	path, err := b.opts.Picker.PickPath(ctx, directory)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fault.New(fault.KindCancelled, "path dialog was dismissed")
	}
	if !call.Caller.IsUI() {
		if err := b.opts.Gate.GrantAccess(call.Caller.InstanceID, path); err != nil {
			return nil, err
		}
	}
	return path, nil
}
