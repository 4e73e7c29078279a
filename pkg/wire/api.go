package wire

import "fmt"

// APIKind discriminates ApplicationAPI's variants. Order matches the
// upstream enum declaration, since that order is the wire tag.
type APIKind uint8

const (
	APIImportFile APIKind = iota
	APIFileImported
	APIExportDag
	APIDagExported
	APIDagExportFailed
	APIValidateDag
	APIValidateDagResponse
	APITransmitDag
	APITransmitBlock
	APIRequestAvailableBlocks
	APIAvailableBlocks
	APIGetMissingDagBlocks
	APIMissingDagBlocks
	APIRequestAvailableDags
	APIAvailableDags
	APISetConnected
	APIGetConnected
	APIConnectedState
	APIResumeTransmitDag
	APIResumeTransmitAllDags
	APIRequestVersion
	APIVersion
	APIDagTransmissionComplete
)

// NamedDag pairs a root CID string with its advisory filename, the unit
// of AvailableDags.
type NamedDag struct {
	CID      string
	Filename string
}

// ApplicationAPI is the node's request/response surface: operator
// tooling and the control socket speak this variant set, never the raw
// sync or data-protocol messages.
type ApplicationAPI struct {
	Kind APIKind

	Path       string
	CID        string
	TargetAddr string
	Retries    uint8
	Result     string
	Error      string
	Connected  bool
	CIDs       []string
	Blocks     []string
	Dags       []NamedDag

	Version     string
	Runtime     string
	Target      string
	Profile     string
	Features    []string
	RemoteLabel string
}

func importFile(path string) ApplicationAPI {
	return ApplicationAPI{Kind: APIImportFile, Path: path}
}

// ImportFile builds the ImportFile request variant.
func ImportFile(path string) ApplicationAPI { return importFile(path) }

// FileImported builds the response to ImportFile.
func FileImported(path, cid string) ApplicationAPI {
	return ApplicationAPI{Kind: APIFileImported, Path: path, CID: cid}
}

// ExportDag builds the ExportDag request variant.
func ExportDag(cid, path string) ApplicationAPI {
	return ApplicationAPI{Kind: APIExportDag, CID: cid, Path: path}
}

// DagExported builds the success response to ExportDag.
func DagExported(cid, path string) ApplicationAPI {
	return ApplicationAPI{Kind: APIDagExported, CID: cid, Path: path}
}

// DagExportFailed builds the failure response to ExportDag.
func DagExportFailed(cid, path, errMsg string) ApplicationAPI {
	return ApplicationAPI{Kind: APIDagExportFailed, CID: cid, Path: path, Error: errMsg}
}

// ValidateDag builds the ValidateDag request variant.
func ValidateDag(cid string) ApplicationAPI {
	return ApplicationAPI{Kind: APIValidateDag, CID: cid}
}

// ValidateDagResponse builds the response to ValidateDag.
func ValidateDagResponse(cid, result string) ApplicationAPI {
	return ApplicationAPI{Kind: APIValidateDagResponse, CID: cid, Result: result}
}

// TransmitDag builds the TransmitDag request variant: begin a windowed
// transfer of cid's whole DAG to targetAddr, retrying each window up to
// retries times.
func TransmitDag(cid, targetAddr string, retries uint8) ApplicationAPI {
	return ApplicationAPI{Kind: APITransmitDag, CID: cid, TargetAddr: targetAddr, Retries: retries}
}

// TransmitBlock builds the TransmitBlock request variant.
func TransmitBlock(cid, targetAddr string) ApplicationAPI {
	return ApplicationAPI{Kind: APITransmitBlock, CID: cid, TargetAddr: targetAddr}
}

// RequestAvailableBlocks builds the RequestAvailableBlocks request variant.
func RequestAvailableBlocks() ApplicationAPI {
	return ApplicationAPI{Kind: APIRequestAvailableBlocks}
}

// AvailableBlocks builds the response advertising stored CIDs.
func AvailableBlocks(cids []string) ApplicationAPI {
	return ApplicationAPI{Kind: APIAvailableBlocks, CIDs: cids}
}

// GetMissingDagBlocks builds the GetMissingDagBlocks request variant.
func GetMissingDagBlocks(cid string) ApplicationAPI {
	return ApplicationAPI{Kind: APIGetMissingDagBlocks, CID: cid}
}

// MissingDagBlocks builds the response listing a dag's missing CIDs.
func MissingDagBlocks(cid string, blocks []string) ApplicationAPI {
	return ApplicationAPI{Kind: APIMissingDagBlocks, CID: cid, Blocks: blocks}
}

// RequestAvailableDags builds the RequestAvailableDags request variant.
func RequestAvailableDags() ApplicationAPI {
	return ApplicationAPI{Kind: APIRequestAvailableDags}
}

// AvailableDags builds the response advertising named roots.
func AvailableDags(dags []NamedDag) ApplicationAPI {
	return ApplicationAPI{Kind: APIAvailableDags, Dags: dags}
}

// SetConnected tells the node whether its radio link is currently usable.
func SetConnected(connected bool) ApplicationAPI {
	return ApplicationAPI{Kind: APISetConnected, Connected: connected}
}

// GetConnected asks the node to report its current connected state.
func GetConnected() ApplicationAPI {
	return ApplicationAPI{Kind: APIGetConnected}
}

// ConnectedState builds the response to GetConnected.
func ConnectedState(connected bool) ApplicationAPI {
	return ApplicationAPI{Kind: APIConnectedState, Connected: connected}
}

// ResumeTransmitDag asks the node to resume a single suspended session.
func ResumeTransmitDag(cid string) ApplicationAPI {
	return ApplicationAPI{Kind: APIResumeTransmitDag, CID: cid}
}

// ResumeTransmitAllDags asks the node to resume every active session.
func ResumeTransmitAllDags() ApplicationAPI {
	return ApplicationAPI{Kind: APIResumeTransmitAllDags}
}

// RequestVersion builds the RequestVersion request variant.
func RequestVersion() ApplicationAPI {
	return ApplicationAPI{Kind: APIRequestVersion}
}

// Version builds the version-info response variant.
func Version(version, runtimeVer, target, profile string, features []string, remoteLabel string) ApplicationAPI {
	return ApplicationAPI{
		Kind:        APIVersion,
		Version:     version,
		Runtime:     runtimeVer,
		Target:      target,
		Profile:     profile,
		Features:    features,
		RemoteLabel: remoteLabel,
	}
}

// DagTransmissionComplete notifies that a peer believes it has fully
// received cid's DAG.
func DagTransmissionComplete(cid string) ApplicationAPI {
	return ApplicationAPI{Kind: APIDagTransmissionComplete, CID: cid}
}

func (a ApplicationAPI) encode(w *Buffer) {
	WriteU8(w, uint8(a.Kind))
	switch a.Kind {
	case APIImportFile:
		WriteString(w, a.Path)
	case APIFileImported:
		WriteString(w, a.Path)
		WriteString(w, a.CID)
	case APIExportDag:
		WriteString(w, a.CID)
		WriteString(w, a.Path)
	case APIDagExported:
		WriteString(w, a.CID)
		WriteString(w, a.Path)
	case APIDagExportFailed:
		WriteString(w, a.CID)
		WriteString(w, a.Path)
		WriteString(w, a.Error)
	case APIValidateDag:
		WriteString(w, a.CID)
	case APIValidateDagResponse:
		WriteString(w, a.CID)
		WriteString(w, a.Result)
	case APITransmitDag:
		WriteString(w, a.CID)
		WriteString(w, a.TargetAddr)
		WriteU8(w, a.Retries)
	case APITransmitBlock:
		WriteString(w, a.CID)
		WriteString(w, a.TargetAddr)
	case APIRequestAvailableBlocks:
	case APIAvailableBlocks:
		WriteStringSlice(w, a.CIDs)
	case APIGetMissingDagBlocks:
		WriteString(w, a.CID)
	case APIMissingDagBlocks:
		WriteString(w, a.CID)
		WriteStringSlice(w, a.Blocks)
	case APIRequestAvailableDags:
	case APIAvailableDags:
		WriteCompactUint(w, uint64(len(a.Dags)))
		for _, d := range a.Dags {
			WriteString(w, d.CID)
			WriteString(w, d.Filename)
		}
	case APISetConnected:
		WriteBool(w, a.Connected)
	case APIGetConnected:
	case APIConnectedState:
		WriteBool(w, a.Connected)
	case APIResumeTransmitDag:
		WriteString(w, a.CID)
	case APIResumeTransmitAllDags:
	case APIRequestVersion:
	case APIVersion:
		WriteString(w, a.Version)
		WriteString(w, a.Runtime)
		WriteString(w, a.Target)
		WriteString(w, a.Profile)
		WriteStringSlice(w, a.Features)
		WriteString(w, a.RemoteLabel)
	case APIDagTransmissionComplete:
		WriteString(w, a.CID)
	}
}

func decodeApplicationAPI(r *Reader) (ApplicationAPI, error) {
	tag, err := ReadU8(r)
	if err != nil {
		return ApplicationAPI{}, err
	}
	kind := APIKind(tag)

	switch kind {
	case APIImportFile:
		path, err := ReadString(r)
		return ApplicationAPI{Kind: kind, Path: path}, err
	case APIFileImported:
		path, err := ReadString(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		cid, err := ReadString(r)
		return ApplicationAPI{Kind: kind, Path: path, CID: cid}, err
	case APIExportDag:
		cid, err := ReadString(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		path, err := ReadString(r)
		return ApplicationAPI{Kind: kind, CID: cid, Path: path}, err
	case APIDagExported:
		cid, err := ReadString(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		path, err := ReadString(r)
		return ApplicationAPI{Kind: kind, CID: cid, Path: path}, err
	case APIDagExportFailed:
		cid, err := ReadString(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		path, err := ReadString(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		errMsg, err := ReadString(r)
		return ApplicationAPI{Kind: kind, CID: cid, Path: path, Error: errMsg}, err
	case APIValidateDag:
		cid, err := ReadString(r)
		return ApplicationAPI{Kind: kind, CID: cid}, err
	case APIValidateDagResponse:
		cid, err := ReadString(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		result, err := ReadString(r)
		return ApplicationAPI{Kind: kind, CID: cid, Result: result}, err
	case APITransmitDag:
		cid, err := ReadString(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		target, err := ReadString(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		retries, err := ReadU8(r)
		return ApplicationAPI{Kind: kind, CID: cid, TargetAddr: target, Retries: retries}, err
	case APITransmitBlock:
		cid, err := ReadString(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		target, err := ReadString(r)
		return ApplicationAPI{Kind: kind, CID: cid, TargetAddr: target}, err
	case APIRequestAvailableBlocks:
		return ApplicationAPI{Kind: kind}, nil
	case APIAvailableBlocks:
		cids, err := ReadStringSlice(r)
		return ApplicationAPI{Kind: kind, CIDs: cids}, err
	case APIGetMissingDagBlocks:
		cid, err := ReadString(r)
		return ApplicationAPI{Kind: kind, CID: cid}, err
	case APIMissingDagBlocks:
		cid, err := ReadString(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		blocks, err := ReadStringSlice(r)
		return ApplicationAPI{Kind: kind, CID: cid, Blocks: blocks}, err
	case APIRequestAvailableDags:
		return ApplicationAPI{Kind: kind}, nil
	case APIAvailableDags:
		n, err := ReadCompactUint(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		dags := make([]NamedDag, 0, n)
		for i := uint64(0); i < n; i++ {
			cid, err := ReadString(r)
			if err != nil {
				return ApplicationAPI{}, err
			}
			filename, err := ReadString(r)
			if err != nil {
				return ApplicationAPI{}, err
			}
			dags = append(dags, NamedDag{CID: cid, Filename: filename})
		}
		return ApplicationAPI{Kind: kind, Dags: dags}, nil
	case APISetConnected:
		connected, err := ReadBool(r)
		return ApplicationAPI{Kind: kind, Connected: connected}, err
	case APIGetConnected:
		return ApplicationAPI{Kind: kind}, nil
	case APIConnectedState:
		connected, err := ReadBool(r)
		return ApplicationAPI{Kind: kind, Connected: connected}, err
	case APIResumeTransmitDag:
		cid, err := ReadString(r)
		return ApplicationAPI{Kind: kind, CID: cid}, err
	case APIResumeTransmitAllDags:
		return ApplicationAPI{Kind: kind}, nil
	case APIRequestVersion:
		return ApplicationAPI{Kind: kind}, nil
	case APIVersion:
		version, err := ReadString(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		runtimeVer, err := ReadString(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		target, err := ReadString(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		profile, err := ReadString(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		features, err := ReadStringSlice(r)
		if err != nil {
			return ApplicationAPI{}, err
		}
		remoteLabel, err := ReadString(r)
		return ApplicationAPI{
			Kind:        kind,
			Version:     version,
			Runtime:     runtimeVer,
			Target:      target,
			Profile:     profile,
			Features:    features,
			RemoteLabel: remoteLabel,
		}, err
	case APIDagTransmissionComplete:
		cid, err := ReadString(r)
		return ApplicationAPI{Kind: kind, CID: cid}, err
	default:
		return ApplicationAPI{}, fmt.Errorf("wire: unknown ApplicationAPI variant %d", tag)
	}
}
