package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/sdk"
	"github.com/mbeoliero/chatsync/sdk/cache"
	"github.com/mbeoliero/chatsync/sdk/chat"
	"github.com/mbeoliero/chatsync/sdk/session"
)

// startChat logs in with the stored credential and starts the client core
func startChat(ctx context.Context) (*chat.Chat, func(), error) {
	cred, err := loadCredential()
	if err != nil {
		return nil, nil, err
	}
	client, err := sdk.NewClient(cfg.Server.APIURL, sdk.WithToken(cred.Token))
	if err != nil {
		return nil, nil, err
	}

	var opts []chat.Option
	var store *cache.Store
	if err := os.MkdirAll(cfg.DataDir, 0700); err == nil {
		store, err = cache.Open(cachePath(cred.UserId))
		if err != nil {
			log.CtxWarn(ctx, "local cache disabled: err=%v", err)
		} else {
			opts = append(opts, chat.WithCache(store))
		}
	}

	c := chat.NewWithClient(chat.Config{
		URL:             cfg.Server.WSURL,
		HistoryPageSize: cfg.PageSize,
	}, client, cred.UserId, opts...)

	err = c.Start(ctx, session.Credential{Token: cred.Token, UserId: cred.UserId, PlatformId: cfg.PlatformId})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		if sdk.IsAuthError(err) {
			return nil, nil, fmt.Errorf("session expired, run `chatcli login` again: %w", err)
		}
		return nil, nil, err
	}

	stop := func() {
		c.Stop()
		if store != nil {
			_ = store.Close()
		}
	}
	return c, stop, nil
}
