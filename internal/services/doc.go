// Package services provides the external collaborators of the submission gateway.
//
// This package abstracts external dependencies (the VAT white-list registry used to check buyer
// tax identifiers, and the alert sink notified on terminal rejections) so local implementations
// can be used in dev/test and remote services in production.
//
// Each service is defined as an interface with multiple implementations selected via configuration.
package services
