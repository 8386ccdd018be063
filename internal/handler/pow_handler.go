package handler

import (
	"net/http"

	"meetmesh/internal/pkg/errs"
	"meetmesh/internal/pkg/logx"
	"meetmesh/internal/pkg/req"
	"meetmesh/internal/pkg/resp"
)

type VerifyProofInput struct {
	Nonce   string `json:"nonce"`
	Counter string `json:"counter"`
}

// HandlePowChallenge issues a fresh proof-of-work challenge.
func HandlePowChallenge(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		challenge := deps.Pow.NewChallenge()
		resp.RespondSuccess(w, r, map[string]any{
			"nonce":      challenge.Nonce,
			"difficulty": challenge.Difficulty,
			"enabled":    deps.Pow.Enabled(),
		})
	}
}

// HandlePowVerify trades a solved challenge for a single-use proof token.
func HandlePowVerify(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input VerifyProofInput
		if customErr := req.BindJSON(r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if input.Nonce == "" || input.Counter == "" {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		token, err := deps.Pow.ValidateProof(input.Nonce, input.Counter)
		if err != nil {
			logx.Warn("Proof-of-work verification failed", "error", err.Error())
			resp.RespondError(w, r, errs.NewError(errs.ErrPowChallengeInvalid))
			return
		}

		resp.RespondSuccess(w, r, map[string]string{
			"token": token,
		})
	}
}
