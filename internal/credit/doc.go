// Package credit implements the credit reservation protocol: reserve a
// buffered amount at stream start, settle true usage at stream end, refund
// the difference. Two Ledger implementations exist: LocalLedger on the
// embedded store and HTTPLedger against an external ledger service.
//
// The failure policy is deny-by-default. Any error while checking or
// reserving credits refuses the stream; an unreachable ledger never
// silently allows generation.
//
//	ledger, _ := credit.NewLocalLedger(db, rates, logger, credit.LocalLedgerOptions{InitialCredits: 1000})
//	amount, err := ledger.Reserve(ctx, sessionID, owner, model, estimate)
//	...
//	settlement, err := ledger.Settle(ctx, sessionID, actualTokens, credit.OutcomeCompleted)
package credit
