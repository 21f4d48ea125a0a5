package stream

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Chunk metadata travels out-of-band in request headers.
const (
	HeaderInstanceSecret   = "x-instance-secret"
	HeaderFileName         = "x-file-name" // URL-encoded
	HeaderUserID           = "x-user-id"
	HeaderIsLast           = "x-is-last"
	HeaderChunkIndex       = "x-chunk-index"
	HeaderTotalSize        = "x-total-size"
	HeaderLeaderURL        = "x-leader-url"
	HeaderSourceInstanceID = "x-source-instance-id"
	HeaderChatID           = "x-chat-id"
	HeaderMsgID            = "x-msg-id"
)

// Metadata is the per-chunk out-of-band context.
type Metadata struct {
	FileName         string
	UserID           string
	IsLast           bool
	ChunkIndex       int64
	TotalSize        int64
	LeaderURL        string
	SourceInstanceID string
	ChatID           int64
	MsgID            int64
}

// ParseMetadata extracts chunk metadata from request headers. The file
// name header is URL-decoded.
func ParseMetadata(h http.Header) (Metadata, error) {
	fileName, err := url.QueryUnescape(h.Get(HeaderFileName))
	if err != nil {
		return Metadata{}, fmt.Errorf("stream: bad file name header: %w", err)
	}

	chunkIndex, err := strconv.ParseInt(h.Get(HeaderChunkIndex), 10, 64)
	if err != nil {
		return Metadata{}, fmt.Errorf("stream: bad chunk index header: %w", err)
	}

	// Total size may be absent for unknown-length transfers.
	totalSize, _ := strconv.ParseInt(h.Get(HeaderTotalSize), 10, 64)
	chatID, _ := strconv.ParseInt(h.Get(HeaderChatID), 10, 64)
	msgID, _ := strconv.ParseInt(h.Get(HeaderMsgID), 10, 64)

	return Metadata{
		FileName:         fileName,
		UserID:           h.Get(HeaderUserID),
		IsLast:           h.Get(HeaderIsLast) == "true",
		ChunkIndex:       chunkIndex,
		TotalSize:        totalSize,
		LeaderURL:        h.Get(HeaderLeaderURL),
		SourceInstanceID: h.Get(HeaderSourceInstanceID),
		ChatID:           chatID,
		MsgID:            msgID,
	}, nil
}

// Apply writes the metadata onto outbound request headers.
func (m Metadata) Apply(h http.Header, secret string) {
	h.Set(HeaderInstanceSecret, secret)
	h.Set(HeaderFileName, url.QueryEscape(m.FileName))
	h.Set(HeaderUserID, m.UserID)
	h.Set(HeaderIsLast, strconv.FormatBool(m.IsLast))
	h.Set(HeaderChunkIndex, strconv.FormatInt(m.ChunkIndex, 10))
	h.Set(HeaderTotalSize, strconv.FormatInt(m.TotalSize, 10))
	h.Set(HeaderLeaderURL, m.LeaderURL)
	h.Set(HeaderSourceInstanceID, m.SourceInstanceID)
	h.Set(HeaderChatID, strconv.FormatInt(m.ChatID, 10))
	h.Set(HeaderMsgID, strconv.FormatInt(m.MsgID, 10))
}
