package imagegen

import (
	"errors"
	"strings"
)

const (
	ModeAddFurniture    = "add_furniture"
	ModeRemoveFurniture = "remove_furniture"
	ModeEdit            = "edit"
)

const (
	DefaultRoomType = "Living Room"
	DefaultStyle    = "modern"
	// CustomStyle is recorded as the style of free-text edits.
	CustomStyle = "custom"
)

// StructuralInstruction precedes every prompt and pins the camera and the
// architecture of the source photo.
const StructuralInstruction = "Use the provided image as the absolute, immutable reference for all spatial and architectural data. " +
	"It is mandatory to maintain the exact camera angle, lens focal length, camera height, and viewpoint from the original photo. " +
	"Do not shift, pan, tilt, or reposition the virtual camera under any circumstances, preventing the model from defaulting to a standard eye-level perspective. " +
	"The original vanishing points, horizon line, and structural geometry of the walls, windows, floor, and ceiling must remain identical to the source image. " +
	"All added elements must sit flawlessly on the existing floor plane, conforming strictly to the established perspective and lighting without altering the layout. " +
	"The final output must perfectly overlay the original architectural structure without any distortion, warping, or cropping. "

const removeInstruction = "Completely remove only the furnishings & decor. Must be able to see the complete floors & walls."

var (
	ErrUnknownMode       = errors.New("unknown generation mode")
	ErrEmptyInstruction  = errors.New("edit mode requires an instruction")
	ErrInstructionLength = errors.New("instruction is too long")
)

const maxInstructionLength = 1000

type PromptInput struct {
	Mode        string
	Style       string
	RoomType    string
	Instruction string
}

func ValidMode(mode string) bool {
	switch mode {
	case ModeAddFurniture, ModeRemoveFurniture, ModeEdit:
		return true
	}
	return false
}

// BuildPrompt joins the structural instruction with the mode clause.
func BuildPrompt(in PromptInput) (string, error) {
	var b strings.Builder
	b.WriteString(StructuralInstruction)

	switch in.Mode {
	case ModeRemoveFurniture:
		b.WriteString(removeInstruction)
	case ModeAddFurniture:
		style := strings.TrimSpace(in.Style)
		if style == "" {
			style = DefaultStyle
		}
		room := strings.TrimSpace(in.RoomType)
		if room == "" {
			room = DefaultRoomType
		}
		b.WriteString("This is a photo of a ")
		b.WriteString(room)
		b.WriteString(". Add only fully furnishings & decor suitable for a ")
		b.WriteString(room)
		b.WriteString(" in ")
		b.WriteString(style)
		b.WriteString(" style. Do not add anything else. Do not modify anything in the original image especially structural elements. ")
		b.WriteString("Anything added must be placed on top or overlayed over the original image.")
	case ModeEdit:
		instruction := strings.TrimSpace(in.Instruction)
		if instruction == "" {
			return "", ErrEmptyInstruction
		}
		if len(instruction) > maxInstructionLength {
			return "", ErrInstructionLength
		}
		b.WriteString(instruction)
		if !strings.HasSuffix(instruction, ".") {
			b.WriteString(".")
		}
		b.WriteString(" Do not modify structural elements that the instruction does not mention.")
	default:
		return "", ErrUnknownMode
	}
	return b.String(), nil
}

// RecordedStyle is the style stored with the generation record.
func RecordedStyle(in PromptInput) *string {
	switch in.Mode {
	case ModeAddFurniture:
		style := strings.TrimSpace(in.Style)
		if style == "" {
			style = DefaultStyle
		}
		return &style
	case ModeEdit:
		style := CustomStyle
		return &style
	}
	return nil
}
