package scanning

import (
	"fmt"
	"strings"
)

// ScanType identifies which kind of scanner a scan job runs.
type ScanType string

const (
	ScanTypeHostCompliance  ScanType = "host_compliance"
	ScanTypeCloudCompliance ScanType = "cloud_compliance"
	ScanTypeSecret          ScanType = "secret"
	ScanTypeVulnerability   ScanType = "vulnerability"
	ScanTypeMalware         ScanType = "malware"
)

func (t ScanType) String() string { return string(t) }

// ParseScanType converts a string to a ScanType, rejecting unknown values.
func ParseScanType(s string) (ScanType, error) {
	switch t := ScanType(strings.ToLower(strings.TrimSpace(s))); t {
	case ScanTypeHostCompliance, ScanTypeCloudCompliance, ScanTypeSecret,
		ScanTypeVulnerability, ScanTypeMalware:
		return t, nil
	default:
		return "", fmt.Errorf("unknown scan type %q", s)
	}
}

// NodeType identifies the kind of target a scan runs against.
type NodeType string

const (
	NodeTypeHost              NodeType = "host"
	NodeTypeContainerImage    NodeType = "container_image"
	NodeTypeCloudAccount      NodeType = "cloud_account"
	NodeTypeKubernetesCluster NodeType = "kubernetes_cluster"
)

func (t NodeType) String() string { return string(t) }

// ParseNodeType converts a string to a NodeType, rejecting unknown values.
func ParseNodeType(s string) (NodeType, error) {
	switch t := NodeType(strings.ToLower(strings.TrimSpace(s))); t {
	case NodeTypeHost, NodeTypeContainerImage, NodeTypeCloudAccount, NodeTypeKubernetesCluster:
		return t, nil
	default:
		return "", fmt.Errorf("unknown node type %q", s)
	}
}
