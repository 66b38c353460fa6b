package receipt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-scanner/internal/scanning"
)

// testEnvelope mirrors the response envelope with the payload left raw
type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

func readEnvelope(resp *http.Response) testEnvelope {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	var env testEnvelope
	Expect(json.Unmarshal(body, &env)).To(Succeed())
	return env
}

func multipartBody(filename string, data []byte) (*bytes.Buffer, string) {
	var b bytes.Buffer
	writer := multipart.NewWriter(&b)
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(writer.Close()).To(Succeed())
	return &b, writer.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		extractor   *mockExtractor
		auth        BasicAuth
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		extractor = newMockExtractor()
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		service := NewServiceWithDeps(db, extractor, storage, 1,
			&mockIDGenerator{id: "test-id-123"},
			&mockTimeSource{now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)})
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	do := func(method, path, contentType string, body io.Reader) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	Describe("handleHealth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
		})

		It("should report ok without credentials", func() {
			resp := do("GET", "/healthz", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			env := readEnvelope(resp)
			Expect(env.Success).To(BeTrue())
			Expect(env.Data).To(MatchJSON(`{"status":"ok"}`))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests with No Content", func() {
			resp := do("OPTIONS", "/api/ocr", "", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("DELETE"))
		})

		It("should set headers on regular responses", func() {
			resp := do("GET", "/healthz", "", nil)
			defer resp.Body.Close()
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("handleOCR", func() {
		var body string

		BeforeEach(func() {
			body = `{"image":"aGVsbG8=","mimeType":"image/jpeg"}`
		})

		When("extraction succeeds", func() {
			It("should return the extracted result", func() {
				resp := do("POST", "/api/ocr", "application/json", strings.NewReader(body))
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				env := readEnvelope(resp)
				Expect(env.Success).To(BeTrue())
				Expect(env.Error).To(BeNil())

				var result scanning.OcrResult
				Expect(json.Unmarshal(env.Data, &result)).To(Succeed())
				Expect(result.StoreName).To(HaveValue(Equal("Test Store")))
				Expect(result.Items).To(HaveLen(1))
			})
		})

		When("the MIME type is unsupported", func() {
			BeforeEach(func() {
				body = `{"image":"aGVsbG8=","mimeType":"image/gif"}`
			})

			It("should return Bad Request", func() {
				resp := do("POST", "/api/ocr", "application/json", strings.NewReader(body))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				env := readEnvelope(resp)
				Expect(env.Success).To(BeFalse())
				Expect(env.Error.Code).To(Equal(scanning.CodeValidation))
			})
		})

		When("the body is not JSON", func() {
			BeforeEach(func() {
				body = "not json"
			})

			It("should return Bad Request", func() {
				resp := do("POST", "/api/ocr", "application/json", strings.NewReader(body))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				env := readEnvelope(resp)
				Expect(env.Error.Message).To(Equal("The request body is not valid JSON."))
			})
		})

		DescribeTable("maps classified errors to status codes",
			func(extractErr error, status int, code scanning.Code) {
				extractor.err = extractErr
				resp := do("POST", "/api/ocr", "application/json", strings.NewReader(body))
				Expect(resp.StatusCode).To(Equal(status))
				env := readEnvelope(resp)
				Expect(env.Success).To(BeFalse())
				Expect(env.Error.Code).To(Equal(code))
			},
			Entry("rate limited", scanning.ErrRateLimited, http.StatusTooManyRequests, scanning.CodeRateLimited),
			Entry("api error", scanning.ErrAPI, http.StatusInternalServerError, scanning.CodeAPI),
			Entry("parse error", scanning.ErrParse, http.StatusInternalServerError, scanning.CodeParse),
			Entry("ocr failed", scanning.ErrOCRFailed, http.StatusInternalServerError, scanning.CodeOCRFailed),
			Entry("unclassified", errors.New("boom"), http.StatusInternalServerError, scanning.CodeInternal),
		)
	})

	Describe("handleUploadReceipt", func() {
		When("upload succeeds", func() {
			It("should return the stored image and extracted result", func() {
				b, contentType := multipartBody("receipt.png", pngBytes(32, 32))
				resp := do("POST", "/api/ocr/upload", contentType, b)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				env := readEnvelope(resp)

				var scan ScanResult
				Expect(json.Unmarshal(env.Data, &scan)).To(Succeed())
				Expect(scan.ImageURL).To(Equal("test-id-123.jpg"))
				Expect(scan.Result.StoreName).To(HaveValue(Equal("Test Store")))
				Expect(storage.files).To(HaveKey("test-id-123.jpg"))
			})
		})

		When("no file is provided", func() {
			It("should return Bad Request", func() {
				b, contentType := multipartBody("", nil)
				resp := do("POST", "/api/ocr/upload", contentType, b)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				env := readEnvelope(resp)
				Expect(env.Error.Message).To(ContainSubstring("file"))
			})
		})

		When("invalid multipart form", func() {
			It("should return Bad Request", func() {
				resp := do("POST", "/api/ocr/upload", "multipart/form-data", bytes.NewBufferString("invalid"))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				env := readEnvelope(resp)
				Expect(env.Error.Message).To(ContainSubstring("Error parsing form"))
			})
		})

		When("the file is not an image", func() {
			It("should return Bad Request", func() {
				b, contentType := multipartBody("notes.txt", []byte("hello"))
				resp := do("POST", "/api/ocr/upload", contentType, b)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				env := readEnvelope(resp)
				Expect(env.Error.Code).To(Equal(scanning.CodeValidation))
			})
		})
	})

	Describe("handleCreateReceipt", func() {
		When("creation succeeds", func() {
			It("should return Created with the new ID", func() {
				body := `{"store_name":"Test Store","date":"2025-01-15","items":[{"name":"Onigiri","quantity":1,"unit_price":150,"subtotal":150}],"total":150}`
				resp := do("POST", "/api/receipts", "application/json", strings.NewReader(body))
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				env := readEnvelope(resp)
				Expect(env.Data).To(MatchJSON(`{"id":"test-id-123","created_at":"2025-01-15T10:00:00Z"}`))
				Expect(db.receipts).To(HaveKey("test-id-123"))
			})
		})

		When("the date is malformed", func() {
			It("should return Bad Request", func() {
				resp := do("POST", "/api/receipts", "application/json", strings.NewReader(`{"date":"15/01/2025"}`))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})
	})

	Describe("handleGetReceipt", func() {
		When("receipt exists", func() {
			BeforeEach(func() {
				db.receipts["test-id"] = &Receipt{ID: "test-id", StoreName: strPtr("Test Store"), Items: []Item{}}
			})

			It("should return the receipt", func() {
				resp := do("GET", "/api/receipts/test-id", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				env := readEnvelope(resp)
				var got Receipt
				Expect(json.Unmarshal(env.Data, &got)).To(Succeed())
				Expect(got.ID).To(Equal("test-id"))
				Expect(got.StoreName).To(HaveValue(Equal("Test Store")))
			})
		})

		When("receipt does not exist", func() {
			It("should return Not Found", func() {
				resp := do("GET", "/api/receipts/nonexistent", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				env := readEnvelope(resp)
				Expect(env.Error.Code).To(Equal(scanning.CodeNotFound))
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.getErr = errors.New("database error")
			})

			It("should return Internal Server Error without leaking the cause", func() {
				resp := do("GET", "/api/receipts/test-id", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				env := readEnvelope(resp)
				Expect(env.Error.Code).To(Equal(scanning.CodeInternal))
				Expect(env.Error.Message).NotTo(ContainSubstring("database error"))
			})
		})
	})

	Describe("handleUpdateReceipt", func() {
		BeforeEach(func() {
			db.receipts["test-id"] = &Receipt{ID: "test-id", StoreName: strPtr("Old")}
		})

		It("should update the receipt", func() {
			resp := do("PUT", "/api/receipts/test-id", "application/json", strings.NewReader(`{"store_name":"New"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			env := readEnvelope(resp)
			Expect(env.Data).To(MatchJSON(`{"id":"test-id","updated_at":"2025-01-15T10:00:00Z"}`))
			Expect(db.receipts["test-id"].StoreName).To(HaveValue(Equal("New")))
		})
	})

	Describe("handleDeleteReceipt", func() {
		When("deletion succeeds", func() {
			BeforeEach(func() {
				db.receipts["test-id"] = &Receipt{ID: "test-id"}
			})

			It("should return the deletion time", func() {
				resp := do("DELETE", "/api/receipts/test-id", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				env := readEnvelope(resp)
				Expect(env.Data).To(MatchJSON(`{"id":"test-id","deleted_at":"2025-01-15T10:00:00Z"}`))
			})
		})

		When("receipt does not exist", func() {
			It("should return Not Found", func() {
				resp := do("DELETE", "/api/receipts/nonexistent", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				resp.Body.Close()
			})
		})
	})

	Describe("handleGetReceiptImage", func() {
		When("receipt and image exist", func() {
			BeforeEach(func() {
				db.receipts["test-id"] = &Receipt{ID: "test-id", ImageURL: strPtr("test-id.jpg")}
				storage.files["test-id.jpg"] = pngBytes(4, 4)
			})

			It("should serve the image", func() {
				resp := do("GET", "/api/receipts/test-id/image", "", nil)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(body).To(Equal(storage.files["test-id.jpg"]))
			})
		})

		When("receipt has no image", func() {
			BeforeEach(func() {
				db.receipts["test-id"] = &Receipt{ID: "test-id"}
			})

			It("should return Not Found", func() {
				resp := do("GET", "/api/receipts/test-id/image", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				env := readEnvelope(resp)
				Expect(env.Error.Message).To(Equal("This receipt has no image."))
			})
		})
	})

	Describe("handleListReceipts", func() {
		When("receipts exist", func() {
			BeforeEach(func() {
				db.receipts["id1"] = &Receipt{ID: "id1", StoreName: strPtr("Lawson"), Date: strPtr("2025-01-10"), Total: intPtr(300)}
				db.receipts["id2"] = &Receipt{ID: "id2", StoreName: strPtr("FamilyMart"), Date: strPtr("2025-01-20"), Total: intPtr(900)}
			})

			It("should return a page of receipts", func() {
				resp := do("GET", "/api/receipts", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				env := readEnvelope(resp)
				var list ReceiptList
				Expect(json.Unmarshal(env.Data, &list)).To(Succeed())
				Expect(list.Receipts).To(HaveLen(2))
				Expect(list.Receipts[0].ID).To(Equal("id2"))
				Expect(list.Pagination.Total).To(Equal(2))
			})

			It("should apply query filters", func() {
				resp := do("GET", "/api/receipts?search=law&amount_max=500&limit=5&page=1", "", nil)
				env := readEnvelope(resp)
				var list ReceiptList
				Expect(json.Unmarshal(env.Data, &list)).To(Succeed())
				Expect(list.Receipts).To(HaveLen(1))
				Expect(list.Receipts[0].ID).To(Equal("id1"))
				Expect(list.Pagination.Limit).To(Equal(5))
			})

			It("should return an empty page for a huge page number", func() {
				resp := do("GET", "/api/receipts?page=9223372036854775807&limit=100", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				env := readEnvelope(resp)
				var list ReceiptList
				Expect(json.Unmarshal(env.Data, &list)).To(Succeed())
				Expect(list.Receipts).To(BeEmpty())
				Expect(list.Pagination.Total).To(Equal(2))
			})
		})

		When("no receipts exist", func() {
			It("should return an empty array", func() {
				resp := do("GET", "/api/receipts", "", nil)
				env := readEnvelope(resp)
				Expect(env.Data).To(MatchJSON(`{"receipts":[],"pagination":{"page":1,"limit":20,"total":0,"total_pages":0}}`))
			})
		})

		When("service returns an error", func() {
			BeforeEach(func() {
				db.listErr = errors.New("service error")
			})

			It("should return Internal Server Error", func() {
				resp := do("GET", "/api/receipts", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				env := readEnvelope(resp)
				Expect(env.Error.Message).To(Equal(scanning.CodeInternal.Message()))
			})
		})
	})

	Describe("authenticate", func() {
		var result bool

		When("no auth is configured", func() {
			It("should return true", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/receipts", nil)
				Expect(err).NotTo(HaveOccurred())
				result = server.authenticate(req)
				Expect(result).To(BeTrue())
			})
		})

		When("auth is configured", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "user", Password: "pass"}
			})

			DescribeTable("checks the credentials",
				func(credentials string, expected bool) {
					req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/receipts", nil)
					Expect(err).NotTo(HaveOccurred())
					if credentials != "" {
						req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))
					}
					result = server.authenticate(req)
					Expect(result).To(Equal(expected))
				},
				Entry("valid credentials", "user:pass", true),
				Entry("wrong password", "user:wrong", false),
				Entry("wrong user", "admin:pass", false),
				Entry("no header", "", false),
			)
		})
	})

	Describe("requireAuth", func() {
		When("request is unauthorized", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "user", Password: "pass"}
			})

			It("should return Unauthorized with a challenge", func() {
				resp := do("GET", "/api/receipts", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).To(Equal(`Basic realm="Receipt Scanner"`))
				env := readEnvelope(resp)
				Expect(env.Error.Code).To(Equal(scanning.CodeUnauthorized))
			})
		})
	})
})
