package handler

import (
	"encoding/base64"
	"strings"

	"verifid/internal/blobstore"
	"verifid/internal/verification"
	dErrors "verifid/pkg/domain-errors"
)

// maxImageBytes bounds a decoded submission image.
const maxImageBytes = 10 << 20

// CreateVerificationRequest is the HTTP request body for POST /verifications.
// Images arrive base64-encoded; the handler stores them and hands the
// orchestrator content references only.
type CreateVerificationRequest struct {
	DocumentImage string `json:"document_image"`
	SelfieImage   string `json:"selfie_image"`

	// Decoded values (populated by Validate)
	documentBytes []byte
	selfieBytes   []byte
}

// Validate validates and decodes the request.
// Implements the Validatable interface for httputil.DecodeAndPrepare.
func (r *CreateVerificationRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if strings.TrimSpace(r.DocumentImage) == "" {
		return dErrors.New(dErrors.CodeValidation, "document_image is required")
	}
	if strings.TrimSpace(r.SelfieImage) == "" {
		return dErrors.New(dErrors.CodeValidation, "selfie_image is required")
	}

	var err error
	if r.documentBytes, err = decodeImage(r.DocumentImage, "document_image"); err != nil {
		return err
	}
	if r.selfieBytes, err = decodeImage(r.SelfieImage, "selfie_image"); err != nil {
		return err
	}
	return nil
}

// DocumentBytes returns the decoded document image.
func (r *CreateVerificationRequest) DocumentBytes() []byte { return r.documentBytes }

// SelfieBytes returns the decoded selfie image.
func (r *CreateVerificationRequest) SelfieBytes() []byte { return r.selfieBytes }

// SubmissionFingerprint derives the idempotency fingerprint from the decoded
// submission content. Re-encoding the same images yields the same value.
func (r *CreateVerificationRequest) SubmissionFingerprint() blobstore.Fingerprint {
	combined := make([]byte, 0, len(r.documentBytes)+len(r.selfieBytes))
	combined = append(combined, r.documentBytes...)
	combined = append(combined, r.selfieBytes...)
	return blobstore.FingerprintBytes(combined)
}

func decodeImage(encoded, field string) ([]byte, error) {
	if base64.StdEncoding.DecodedLen(len(encoded)) > maxImageBytes {
		return nil, dErrors.Newf(dErrors.CodeValidation, "%s exceeds the size limit", field)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, dErrors.Newf(dErrors.CodeValidation, "%s is not valid base64", field)
	}
	if len(data) == 0 {
		return nil, dErrors.Newf(dErrors.CodeValidation, "%s is empty", field)
	}
	return data, nil
}

// ReviewRequest is the HTTP request body for POST /verifications/{id}/review.
type ReviewRequest struct {
	Reviewer   string `json:"reviewer"`
	Assessment string `json:"assessment"`
	Notes      string `json:"notes,omitempty"`
}

// Validate validates the request.
// Implements the Validatable interface for httputil.DecodeAndPrepare.
func (r *ReviewRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Reviewer = strings.TrimSpace(r.Reviewer)
	if r.Reviewer == "" {
		return dErrors.New(dErrors.CodeValidation, "reviewer is required")
	}
	switch verification.Verdict(r.Assessment) {
	case verification.VerdictApproved, verification.VerdictRejected, verification.VerdictManualReview:
	default:
		return dErrors.Newf(dErrors.CodeValidation, "unknown assessment %q", r.Assessment)
	}
	return nil
}

// Input converts the validated request to the domain input.
func (r *ReviewRequest) Input() verification.ReviewInput {
	return verification.ReviewInput{
		Reviewer:   r.Reviewer,
		Assessment: verification.Verdict(r.Assessment),
		Notes:      r.Notes,
	}
}
