package invoice

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/beevik/etree"
)

// ErrInvalidDocument is wrapped by every structural validation failure.
var ErrInvalidDocument = errors.New("invalid invoice document")

var nipPattern = regexp.MustCompile(`^\d{10}$`)

// requiredSections are the top level FA(2) elements every document must carry.
var requiredSections = []string{"Naglowek", "Podmiot1", "Podmiot2", "Fa"}

// Validate checks that document is a well-formed FA(2) invoice with the sections the authority
// requires. It does not validate against the XSD.
func Validate(document []byte) error {
	if len(strings.TrimSpace(string(document))) == 0 {
		return fmt.Errorf("%w: empty document", ErrInvalidDocument)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(document); err != nil {
		return fmt.Errorf("%w: not well-formed XML: %v", ErrInvalidDocument, err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "Faktura" {
		return fmt.Errorf("%w: root element must be Faktura", ErrInvalidDocument)
	}

	for _, name := range requiredSections {
		if root.SelectElement(name) == nil {
			return fmt.Errorf("%w: missing %s", ErrInvalidDocument, name)
		}
	}

	if el := root.FindElement("Fa/P_2"); el == nil || strings.TrimSpace(el.Text()) == "" {
		return fmt.Errorf("%w: missing invoice number (Fa/P_2)", ErrInvalidDocument)
	}
	if root.FindElement("Fa/FaWiersze/FaWiersz") == nil {
		return fmt.Errorf("%w: no invoice lines", ErrInvalidDocument)
	}

	el := root.FindElement("Podmiot1/DaneIdentyfikacyjne/NIP")
	if el == nil || !nipPattern.MatchString(strings.TrimSpace(el.Text())) {
		return fmt.Errorf("%w: seller NIP must be 10 digits", ErrInvalidDocument)
	}
	return nil
}
