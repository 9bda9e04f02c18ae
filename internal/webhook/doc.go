// Package webhook serves signed inbound webhooks that deliver work items to a
// configured target.
//
// Each endpoint maps a URL path to one target. Requests must carry an
// HMAC-SHA256 signature of the raw body, keyed by the endpoint secret, in the
// endpoint's signature header ("sha256=<hex>" or plain hex). The body is a work
// item list in the same shape the items file accepts:
//
//	{"items": [{"id": "HER-1", "title": "Fix login redirect", "state": "open"}]}
//
// Configuration:
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /hooks/tracker
//	      target: triage
//	      secret: ${TRACKER_WEBHOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 1MB
//	      states: [open, in_progress]
//
// A verified request is answered with 202 Accepted before the delivery runs;
// agent turns can take far longer than a webhook sender waits. Outcomes are
// visible in the delivery log and the event stream.
//
// Responses:
//   - 202 Accepted: delivery started, body carries the request id
//   - 400 Bad Request: body is not a work item list
//   - 403 Forbidden: missing or wrong signature (no details)
//   - 404 Not Found: unknown path
//   - 413 Payload Too Large: body exceeds max_body_size
package webhook
