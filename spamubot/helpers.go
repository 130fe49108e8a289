package spamubot

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"crypto/tls"
	"encoding/hex"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"reflect"
	"strings"
	"unicode/utf8"
)

type contextKey string

const loggerContextKey contextKey = "logger"

// loadTLSConfig reads the dashboard's certificate pair
func loadTLSConfig(certFile, keyFile string, minVersion uint16) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{MinVersion: minVersion}
	cfg.Certificates = append(cfg.Certificates, cert)
	return cfg, nil
}

// redactedLogValue renders a struct as a slog group keyed by json tag
// names. Fields tagged `log:"..."` are replaced by the tag value, and
// empty fields are left out.
func redactedLogValue(v any) slog.Value {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return slog.AnyValue(nil)
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return slog.AnyValue(nil)
	}
	if rv.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	rt := rv.Type()
	attrs := make([]slog.Attr, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		key := logFieldKey(sf)

		if replacement, ok := sf.Tag.Lookup("log"); ok && replacement != "" {
			attrs = append(attrs, slog.String(key, replacement))
			continue
		}

		fv := rv.Field(i)
		if isEmptyLogField(fv) {
			continue
		}
		attrs = append(attrs, slog.Attr{Key: key, Value: redactedLogValue(fv.Interface())})
	}
	return slog.GroupValue(attrs...)
}

func logFieldKey(sf reflect.StructField) string {
	if name, _, _ := strings.Cut(sf.Tag.Get("json"), ","); name != "" {
		return name
	}
	return sf.Name
}

func isEmptyLogField(fv reflect.Value) bool {
	switch fv.Kind() {
	case reflect.Ptr, reflect.Interface:
		return fv.IsNil()
	case reflect.Map, reflect.Slice, reflect.String:
		return fv.Len() == 0
	default:
		return false
	}
}

// WithLogger attaches logger to ctx. A nil logger attaches slog.Default().
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns the logger attached by WithLogger, if any
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

func messageLogAttrs(m *discordgo.Message) []any {
	attrs := []any{
		"message_id", m.ID,
		"channel_id", m.ChannelID,
	}
	if m.GuildID != "" {
		attrs = append(attrs, "guild_id", m.GuildID)
	}
	if m.Author != nil {
		attrs = append(
			attrs,
			slog.Group("author", "id", m.Author.ID, "username", m.Author.Username),
		)
	}
	return attrs
}

// truncate returns at most n runes of s
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// derive64ByteKey stretches the configured secret to the 64 byte
// session hash key
func derive64ByteKey(secret string) []byte {
	sum := sha512.Sum512([]byte(secret))
	return sum[:]
}

// generateRandomHexString returns n hex characters, rounding odd n up
func generateRandomHexString(n int) (string, error) {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
