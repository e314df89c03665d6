package util_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nexusio/nexus/util"
)

var _ = Describe("Util", func() {

	var (
		tmpDir string
	)

	type TestConfig struct {
		CompanyID string
		Services  []string
		Retries   int
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "nexus_util_test_tmp_*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		err := os.RemoveAll(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Config", func() {
		Context("in JSON format", func() {
			It("should be written and read successfully", func() {
				written := &TestConfig{
					CompanyID: "acme",
					Services:  []string{"NexusAgent", "NexusAgentWatchdog"},
					Retries:   3,
				}

				file := filepath.Join(tmpDir, "configs", "testconfig.json")
				err := util.WriteJson(context.Background(), file, written)
				Expect(err).NotTo(HaveOccurred())

				read, err := util.ReadJson(file, &TestConfig{})
				Expect(err).NotTo(HaveOccurred())
				Expect(read).NotTo(BeNil())
				Expect(read.(*TestConfig).CompanyID).To(Equal("acme"))
				Expect(read.(*TestConfig).Services).To(Equal(written.Services))
				Expect(read.(*TestConfig).Retries).To(Equal(3))
			})

			It("should leave no temp files behind", func() {
				file := filepath.Join(tmpDir, "state.json")
				Expect(util.WriteJson(context.Background(), file, map[string]string{"a": "b"})).To(Succeed())

				entries, err := os.ReadDir(tmpDir)
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(HaveLen(1))
				Expect(entries[0].Name()).To(Equal("state.json"))
			})

			It("should refuse to write with a cancelled context", func() {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				err := util.WriteJson(ctx, filepath.Join(tmpDir, "state.json"), map[string]string{})
				Expect(err).To(HaveOccurred())
				Expect(util.FileExists(filepath.Join(tmpDir, "state.json"))).To(BeFalse())
			})
		})
	})

	Describe("Copying file contents", func() {
		Context("with the same contents", func() {
			It("should succeed", func() {
				content := []byte("binary payload")

				src := filepath.Join(tmpDir, "copytest_src")
				dst := filepath.Join(tmpDir, "copytest_dst")

				err := os.WriteFile(src, content, 0600)
				Expect(err).NotTo(HaveOccurred())

				err = util.CopyFileContents(src, dst)
				Expect(err).NotTo(HaveOccurred())

				hashSrc := sha256.New()
				hashDst := sha256.New()

				srcFile, err := os.Open(src)
				Expect(err).NotTo(HaveOccurred())
				defer srcFile.Close()

				dstFile, err := os.Open(dst)
				Expect(err).NotTo(HaveOccurred())
				defer dstFile.Close()

				_, err = io.Copy(hashSrc, srcFile)
				Expect(err).NotTo(HaveOccurred())

				_, err = io.Copy(hashDst, dstFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(hex.EncodeToString(hashSrc.Sum(nil)[:16])).To(BeEquivalentTo(hex.EncodeToString(hashDst.Sum(nil)[:16])))
			})
		})
	})
})
