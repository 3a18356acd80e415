package capture

import "fmt"

// ColorPrimaries identifies the chromaticity of the encoded signal.
type ColorPrimaries string

// TransferFunction identifies the opto-electronic transfer characteristic.
type TransferFunction string

// YCbCrMatrix identifies the matrix used to derive luma/chroma.
type YCbCrMatrix string

const (
	ColorPrimariesUnspecified ColorPrimaries = ""
	ColorPrimariesBT709       ColorPrimaries = "ITU_R_709_2"
	ColorPrimariesBT2020      ColorPrimaries = "ITU_R_2020"
	ColorPrimariesP3D65       ColorPrimaries = "P3_D65"

	TransferUnspecified TransferFunction = ""
	TransferBT709       TransferFunction = "ITU_R_709_2"
	TransferHLG         TransferFunction = "ITU_R_2100_HLG"
	TransferPQ          TransferFunction = "SMPTE_ST_2084_PQ"

	MatrixUnspecified YCbCrMatrix = ""
	MatrixBT709       YCbCrMatrix = "ITU_R_709_2"
	MatrixBT2020      YCbCrMatrix = "ITU_R_2020"
)

// ColorProperties is the primaries/transfer/matrix triple plus range flag
// attached to an encoder session.
type ColorProperties struct {
	Primaries ColorPrimaries   `yaml:"primaries"`
	Transfer  TransferFunction `yaml:"transfer"`
	Matrix    YCbCrMatrix      `yaml:"matrix"`
	FullRange bool             `yaml:"full_range"`
}

// HDRHLGColor returns BT.2020 primaries with the HLG transfer function in
// video range, the HDR capture setting.
func HDRHLGColor() ColorProperties {
	return ColorProperties{
		Primaries: ColorPrimariesBT2020,
		Transfer:  TransferHLG,
		Matrix:    MatrixBT2020,
		FullRange: false,
	}
}

// SDRColor returns BT.709 video-range color properties.
func SDRColor() ColorProperties {
	return ColorProperties{
		Primaries: ColorPrimariesBT709,
		Transfer:  TransferBT709,
		Matrix:    MatrixBT709,
	}
}

// HDR reports whether the transfer function is an HDR curve.
func (c ColorProperties) HDR() bool {
	return c.Transfer == TransferHLG || c.Transfer == TransferPQ
}

// Validate checks that every set value is known.
func (c ColorProperties) Validate() error {
	switch c.Primaries {
	case ColorPrimariesUnspecified, ColorPrimariesBT709, ColorPrimariesBT2020, ColorPrimariesP3D65:
	default:
		return fmt.Errorf("%w: color primaries %q", ErrInvalidConfig, c.Primaries)
	}
	switch c.Transfer {
	case TransferUnspecified, TransferBT709, TransferHLG, TransferPQ:
	default:
		return fmt.Errorf("%w: transfer function %q", ErrInvalidConfig, c.Transfer)
	}
	switch c.Matrix {
	case MatrixUnspecified, MatrixBT709, MatrixBT2020:
	default:
		return fmt.Errorf("%w: ycbcr matrix %q", ErrInvalidConfig, c.Matrix)
	}
	return nil
}

// nativeCode maps the properties to the integer codes of the native shim
// (ISO/IEC 23091-4 code points).
func (c ColorProperties) nativeCode() (primaries, transfer, matrix int32) {
	switch c.Primaries {
	case ColorPrimariesBT709:
		primaries = 1
	case ColorPrimariesBT2020:
		primaries = 9
	case ColorPrimariesP3D65:
		primaries = 12
	default:
		primaries = 2
	}
	switch c.Transfer {
	case TransferBT709:
		transfer = 1
	case TransferPQ:
		transfer = 16
	case TransferHLG:
		transfer = 18
	default:
		transfer = 2
	}
	switch c.Matrix {
	case MatrixBT709:
		matrix = 1
	case MatrixBT2020:
		matrix = 9
	default:
		matrix = 2
	}
	return primaries, transfer, matrix
}
