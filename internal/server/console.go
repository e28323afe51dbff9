package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"proofline/internal/config"
	"proofline/internal/engine"
	"proofline/internal/engine/auth"
	"proofline/internal/upload"
)

// multipartOverhead is the slack allowed on top of uploads.max_bytes for
// multipart boundaries and headers.
const multipartOverhead = 1 << 20

type orderPath struct {
	OrderID string `path:"order_id" doc:"order id or order number"`
}

type proofPath struct {
	ProofID string `path:"proof_id"`
}

func registerConsole(api huma.API, e engine.Engine, authz auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proofs",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}/proofs",
		Summary:     "List proof versions, newest first",
		Tags:        []string{"console"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *orderPath) (*struct {
		Body OrderVersionsResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, authz, config.PermProofRead); err != nil {
			return nil, err
		}
		order, versions, err := e.ListVersions(ctx, input.OrderID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := OrderVersionsResponse{Order: order, Versions: []ProofResponse{}}
		for _, v := range versions {
			resp.Versions = append(resp.Versions, proofResponse(v))
		}
		return &struct {
			Body OrderVersionsResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "order-history",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}/history",
		Summary:     "Order history, newest first",
		Tags:        []string{"console"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
		Limit   int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, authz, config.PermHistoryRead); err != nil {
			return nil, err
		}
		items, err := e.OrderHistory(ctx, input.OrderID, input.Limit)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proof",
		Method:      http.MethodGet,
		Path:        "/proofs/{proof_id}",
		Summary:     "Get proof",
		Tags:        []string{"console"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *proofPath) (*struct {
		Body ProofResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, authz, config.PermProofRead); err != nil {
			return nil, err
		}
		v, err := e.GetProof(ctx, input.ProofID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ProofResponse `json:"body"`
		}{Body: proofResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "proof-link",
		Method:      http.MethodGet,
		Path:        "/proofs/{proof_id}/link",
		Summary:     "Public link for manual sharing",
		Tags:        []string{"console"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *proofPath) (*struct {
		Body LinkResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, authz, config.PermProofRead); err != nil {
			return nil, err
		}
		link, err := e.ShareLink(ctx, input.ProofID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body LinkResponse `json:"body"`
		}{Body: LinkResponse{ProofID: input.ProofID, Link: link}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-proof",
		Method:      http.MethodPost,
		Path:        "/proofs/{proof_id}/send",
		Summary:     "Send a prepared proof to the client",
		Description: "Email delivery failures do not fail the request; see delivery.status.",
		Tags:        []string{"console"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *proofPath) (*struct {
		Body SendResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, authz, config.PermProofSend)
		if err != nil {
			return nil, err
		}
		res, err := e.SendProof(ctx, input.ProofID, p.ActorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body SendResponse `json:"body"`
		}{Body: sendResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resend-proof",
		Method:      http.MethodPost,
		Path:        "/proofs/{proof_id}/resend",
		Summary:     "Email the link of a sent proof again",
		Tags:        []string{"console"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *proofPath) (*struct {
		Body SendResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, authz, config.PermNotifyResend)
		if err != nil {
			return nil, err
		}
		res, err := e.ResendProof(ctx, input.ProofID, p.ActorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body SendResponse `json:"body"`
		}{Body: sendResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/proofs/{proof_id}/notifications",
		Summary:     "Delivery log of a proof",
		Tags:        []string{"console"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *proofPath) (*struct {
		Body NotificationsResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, authz, config.PermProofRead); err != nil {
			return nil, err
		}
		items, err := e.Notifications(ctx, input.ProofID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body NotificationsResponse `json:"body"`
		}{Body: NotificationsResponse{Items: nonNil(items)}}, nil
	})
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

func registerMe(api huma.API, authz auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := auth.FromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Role: p.Role, Permissions: nonNil(authz.Permissions(p.Role))}}, nil
	})
}

// registerUpload mounts the multipart upload directly on the router so the
// file streams to a spool file instead of being buffered by the API layer.
func registerUpload(r chi.Router, api huma.API, basePath string, e engine.Engine, authz auth.Service) {
	route := path.Join(basePath, "orders/{order_id}/proofs")
	r.Post(route, func(w http.ResponseWriter, req *http.Request) {
		p, err := requirePermission(req.Context(), authz, config.PermProofUpload)
		if err != nil {
			respondStatusError(w, handleError(req.Context(), err))
			return
		}
		lim := upload.Limits{MaxBytes: e.Config.Uploads.MaxBytes, AllowedTypes: e.Config.Uploads.AllowedTypes}
		req.Body = http.MaxBytesReader(w, req.Body, lim.MaxBytes+multipartOverhead)
		mr, err := req.MultipartReader()
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "multipart/form-data body with a file field is required", nil))
			return
		}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "file field is required", nil))
				return
			}
			if err != nil {
				var mbe *http.MaxBytesError
				if errors.As(err, &mbe) {
					respondStatusError(w, handleError(req.Context(), err))
					return
				}
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "malformed multipart body", map[string]any{"error": err.Error()}))
				return
			}
			if part.FormName() != "file" {
				part.Close()
				continue
			}
			f, err := upload.Spool(part, part.FileName(), lim)
			part.Close()
			if err != nil {
				respondStatusError(w, handleError(req.Context(), err))
				return
			}
			defer f.Close()
			proof, err := e.UploadProof(req.Context(), engine.UploadInput{
				OrderRef: chi.URLParam(req, "order_id"),
				File:     f,
				ActorID:  p.ActorID,
			})
			if err != nil {
				respondStatusError(w, handleError(req.Context(), err))
				return
			}
			writeJSON(w, http.StatusCreated, UploadResponse{
				ID:              proof.ID,
				OrderID:         proof.OrderID,
				Version:         proof.Version,
				Status:          string(proof.Status),
				ApprovalToken:   proof.ApprovalToken,
				ValidationToken: proof.ValidationToken,
				PageCount:       proof.PageCount,
			})
			return
		}
	})

	api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "upload-proof",
		Method:      http.MethodPost,
		Path:        route,
		Summary:     "Upload a new proof version",
		Tags:        []string{"console"},
		RequestBody: &huma.RequestBody{
			Required: true,
			Content: map[string]*huma.MediaType{
				"multipart/form-data": {Schema: &huma.Schema{
					Type:     huma.TypeObject,
					Required: []string{"file"},
					Properties: map[string]*huma.Schema{
						"file": {Type: huma.TypeString, Format: "binary"},
					},
				}},
			},
		},
		Responses: map[string]*huma.Response{
			"201": {Description: "Created"},
		},
	})
	api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "proof-file",
		Method:      http.MethodGet,
		Path:        path.Join(basePath, "public/proofs/{token}/file"),
		Summary:     "Download the proof file behind a review link",
		Tags:        []string{"public"},
		Parameters: []*huma.Param{
			{Name: "token", In: "path", Required: true, Schema: &huma.Schema{Type: huma.TypeString}},
		},
		Responses: map[string]*huma.Response{
			"200": {Description: "Proof file", Content: map[string]*huma.MediaType{
				"application/pdf": {Schema: &huma.Schema{Type: huma.TypeString, Format: "binary"}},
			}},
		},
	})
}
