package router

import (
	"net/http"

	"github.com/skillswap/backend/internal/auth"
	"github.com/skillswap/backend/internal/escrow"
	"github.com/skillswap/backend/internal/ledger"
	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/trade"
)

// New returns an http.Handler serving the API under /api/v1.
// Everything except auth/register and auth/login requires a bearer token.
func New(
	authHandler *auth.Handler,
	ledgerHandler *ledger.Handler,
	escrowHandler *escrow.Handler,
	tradeHandler *trade.Handler,
	tokens middleware.TokenValidator,
	accounts middleware.AccountLookup,
) http.Handler {
	mux := http.NewServeMux()
	const base = "/api/v1"

	mux.HandleFunc("POST "+base+"/auth/register", authHandler.Register)
	mux.HandleFunc("POST "+base+"/auth/login", authHandler.Login)

	authed := middleware.JWTAuth(tokens, accounts)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}

	handle("GET "+base+"/account/me", ledgerHandler.Me)
	handle("GET "+base+"/account/history", ledgerHandler.History)
	handle("POST "+base+"/ledger/transfer", ledgerHandler.Transfer)
	mux.Handle("POST "+base+"/ledger/grant",
		authed(middleware.RequireAdmin(http.HandlerFunc(ledgerHandler.Grant))))
	mux.Handle("GET "+base+"/ledger/references/{id}",
		authed(middleware.RequireAdmin(http.HandlerFunc(ledgerHandler.Reference))))

	handle("POST "+base+"/escrow/holds", escrowHandler.CreateHold)

	handle("GET "+base+"/trades/quote", tradeHandler.Quote)
	handle("POST "+base+"/trades", tradeHandler.Create)
	handle("GET "+base+"/trades", tradeHandler.List)
	handle("GET "+base+"/trades/{id}", tradeHandler.Get)
	handle("POST "+base+"/trades/{id}/confirm", tradeHandler.Confirm)
	handle("POST "+base+"/trades/{id}/counter-offer", tradeHandler.CounterOffer)
	handle("POST "+base+"/trades/{id}/dispute", tradeHandler.Dispute)

	mux.Handle("POST "+base+"/disputes/{id}/resolve",
		authed(middleware.RequireAdmin(http.HandlerFunc(tradeHandler.Resolve))))

	return mux
}
